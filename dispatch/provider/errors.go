// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package provider

import (
	"errors"
	"fmt"
)

// Registry error codes.
const (
	ErrRegistryNotFound       = "registry_not_found"
	ErrRegistryDuplicate      = "registry_duplicate"
	ErrRegistryInvalidConfig  = "registry_invalid_config"
	ErrRegistryCreationFailed = "registry_creation_failed"
	ErrRegistryClosed         = "registry_closed"
)

// RegistryError represents an error from registry or factory operations.
type RegistryError struct {
	ProviderName string
	Code         string
	Message      string
	Cause        error
}

func (e *RegistryError) Error() string {
	if e.ProviderName != "" {
		return fmt.Sprintf("registry error for %q: %s", e.ProviderName, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err is a registry not-found error.
func IsNotFound(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrRegistryNotFound
}
