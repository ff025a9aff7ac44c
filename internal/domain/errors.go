// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a uniqueness or concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource already exists or was modified")

// ErrBuiltIn indicates an attempt to delete a seeded built-in rule.
var ErrBuiltIn = errors.New("built-in rule cannot be deleted")

// ErrInvalid indicates a request that fails domain validation.
var ErrInvalid = errors.New("invalid request")
