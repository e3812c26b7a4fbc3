package wire

import "strings"

// ValidateFilename enforces the protocol's name hygiene: names on the wire
// are basenames only. Empty names, names containing a path separator in
// either convention, a `..` sequence, or a NUL byte are refused. Violations
// are validation errors, answered with a NACK by the receiving side.
func ValidateFilename(name string) error {
	switch {
	case name == "":
		return NewValidationError("validate", "empty filename")
	case strings.ContainsAny(name, "/\\"):
		return NewValidationError("validate", "filename contains a path separator: "+name)
	case strings.Contains(name, ".."):
		return NewValidationError("validate", "filename contains a parent reference: "+name)
	case strings.ContainsRune(name, 0):
		return NewValidationError("validate", "filename contains a NUL byte")
	}
	return nil
}

// ValidateUsername enforces the handshake's username rules: non-empty, at
// most MaxUsernameLen bytes, and subject to the same separator hygiene as
// filenames since the username names a directory on the server.
func ValidateUsername(user string) error {
	if user == "" {
		return NewValidationError("validate", "empty username")
	}
	if len(user) > MaxUsernameLen {
		return NewValidationError("validate", "username exceeds 255 bytes")
	}
	return ValidateFilename(user)
}
