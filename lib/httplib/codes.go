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

package httplib

// Stable machine-readable error codes carried in the "code" field of error
// responses. Programmatic clients switch behavior on these; the human text
// in "detail" is advisory only.
const (
	CodeMissingCredential = "missing_credential"
	CodeInvalidCredential = "invalid_credential"
	CodeRevokedCredential = "revoked_credential"
	CodeServiceDisabled   = "service_disabled"
	CodeRateLimited       = "rate_limited"

	CodePathForbidden   = "path_forbidden"
	CodePathInvalid     = "path_invalid"
	CodeSizeMismatch    = "size_mismatch"
	CodeChunkOutOfRange = "chunk_out_of_range"
	CodeConflictExists  = "conflict_exists"

	CodeTransferPaused    = "transfer_paused"
	CodeTransferStale     = "transfer_stale"
	CodeTransferCancelled = "transfer_cancelled"
	CodeDiskFull          = "disk_full"
	CodeIOError           = "io_error"

	CodePairingDenied      = "pairing_denied"
	CodePairingTimeout     = "pairing_timeout"
	CodePairingInvalidName = "pairing_invalid_name"

	CodeBadParameter  = "bad_parameter"
	CodeNotFound      = "not_found"
	CodeAccessDenied  = "access_denied"
	CodeInternalError = "internal_error"
)
