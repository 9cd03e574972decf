package fault

import "strings"

// SignatureCheckFailedCode is the ERC-7769 JSON-RPC code a bundler returns when the
// account's signature check fails.
const SignatureCheckFailedCode = -32507

// signatureMarkers are EntryPoint revert codes that indicate the attached signature
// was not accepted. AA24 is the EntryPoint's own signature error; AA33 is raised when
// paymaster validation reverts, which on sponsoring paymasters that re-verify the
// account signature is the symptom of a bad signature encoding.
var signatureMarkers = []string{"AA24", "AA33"}

// ClassifyReason maps a remote rejection (JSON-RPC code, message) to a Kind.
// Code 0 means no code was available.
func ClassifyReason(code int, message string) Kind {
	if code == SignatureCheckFailedCode {
		return KindSignatureValidation
	}
	for _, m := range signatureMarkers {
		if strings.Contains(message, m) {
			return KindSignatureValidation
		}
	}
	return KindSubmissionRejected
}

// Rejection builds a classified submission-path error from a remote rejection.
func Rejection(op string, code int, message string) *Error {
	return &Error{Kind: ClassifyReason(code, message), Op: op, Reason: message}
}
