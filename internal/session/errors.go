package session

import "errors"

var (
	ErrInvalidStudentID = errors.New("student id must be 1-64 characters, alphanumeric + underscore/hyphen")
)
