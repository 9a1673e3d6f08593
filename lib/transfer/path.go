/*
Copyright 2025 BYTEDz

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package transfer

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"

	"github.com/BYTEDz/pclink/lib/httplib"
)

// canonicalize resolves symlinks and relative elements in path. The file
// itself may not exist yet (upload targets), so the deepest existing
// ancestor is resolved and the remainder re-appended.
func canonicalize(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", httplib.Errorf(http.StatusBadRequest, httplib.CodePathInvalid,
			"path %q is not absolute", path)
	}
	clean := filepath.Clean(path)

	existing := clean
	var pending []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		pending = append([]string{filepath.Base(existing)}, pending...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", httplib.Errorf(http.StatusBadRequest, httplib.CodePathInvalid,
			"cannot resolve path %q: %v", path, err)
	}
	return filepath.Join(append([]string{resolved}, pending...)...), nil
}

// underRoot reports whether path is root or a descendant of root.
func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// ValidatePath canonicalizes path and checks it against the allow-list of
// roots. Escaping the allow-list is a 403 path_forbidden; pointing at a
// directory where a file is expected (or vice versa) is a 409.
func ValidatePath(path string, roots []string, expectDir bool) (string, error) {
	resolved, err := canonicalize(path)
	if err != nil {
		return "", trace.Wrap(err)
	}

	allowed := false
	for _, root := range roots {
		canonRoot, err := canonicalize(root)
		if err != nil {
			continue
		}
		if underRoot(resolved, canonRoot) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", httplib.Errorf(http.StatusForbidden, httplib.CodePathForbidden,
			"path %q is outside the allowed roots", path)
	}

	if fi, err := os.Stat(resolved); err == nil {
		if fi.IsDir() != expectDir {
			if expectDir {
				return "", httplib.Errorf(http.StatusConflict, httplib.CodeConflictExists,
					"path %q is not a directory", path)
			}
			return "", httplib.Errorf(http.StatusConflict, httplib.CodeConflictExists,
				"path %q is a directory", path)
		}
	}
	return resolved, nil
}
