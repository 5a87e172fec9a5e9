package util

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValidateAddress validates a host:port address.
func ValidateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("invalid address %q: missing port", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid address %q: port is not numeric", addr)
	}
	if err := ValidateNonNegativePort(n); err != nil {
		return err
	}
	return nil
}

// ValidateNonNegativePort validates a port number, allowing 0 (ephemeral).
func ValidateNonNegativePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got: %d", port)
	}
	return nil
}

// ValidatePositiveDuration validates that a duration is positive.
func ValidatePositiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got: %s", d)
	}
	return nil
}

// ValidateFraction validates a utilization fraction in [0,1].
func ValidateFraction(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("fraction must be between 0 and 1, got: %g", value)
	}
	return nil
}

// ValidateWeight validates a routing weight (positive).
func ValidateWeight(weight int) error {
	if weight < 1 {
		return fmt.Errorf("weight must be positive, got: %d", weight)
	}
	return nil
}

// ValidateNonEmpty validates that a string is not empty.
func ValidateNonEmpty(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	return nil
}
