package repository

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

// The repositories insert the constants below verbatim, so they must stay
// inside the allowed sets of the schema's CHECK constraints. A drift here
// turns every insert into a constraint violation.

func schemaCheckSet(t *testing.T, constraint string) map[string]bool {
	t.Helper()

	path := filepath.Join("..", "..", "migrations", "001_init.up.sql")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read schema migration: %v", err)
	}

	var line string
	for _, l := range strings.Split(string(raw), "\n") {
		if strings.Contains(l, constraint) {
			line = l
			break
		}
	}
	if line == "" {
		t.Fatalf("constraint %s not found in %s", constraint, path)
	}

	allowed := make(map[string]bool)
	for _, m := range regexp.MustCompile(`'([^']*)'`).FindAllStringSubmatch(line, -1) {
		allowed[m[1]] = true
	}
	if len(allowed) == 0 {
		t.Fatalf("constraint %s has no quoted values: %q", constraint, line)
	}
	return allowed
}

func TestUserRoles_MatchSchemaConstraint(t *testing.T) {
	allowed := schemaCheckSet(t, "users_role_check")

	for _, role := range []string{RoleUser, RoleAdmin} {
		if !allowed[role] {
			t.Errorf("role %q is not accepted by users_role_check (allowed: %v)", role, allowed)
		}
	}
}

func TestBookingStatuses_MatchSchemaConstraint(t *testing.T) {
	allowed := schemaCheckSet(t, "bookings_status_check")

	statuses := []string{
		BookingStatusBooked,
		BookingStatusActive,
		BookingStatusCompleted,
		BookingStatusCancelled,
	}
	for _, status := range statuses {
		if !allowed[status] {
			t.Errorf("status %q is not accepted by bookings_status_check (allowed: %v)", status, allowed)
		}
	}
}

func TestEmailStatuses_MatchSchemaConstraint(t *testing.T) {
	allowed := schemaCheckSet(t, "email_log_status_check")

	for _, status := range []string{EmailStatusSent, EmailStatusFailed} {
		if !allowed[status] {
			t.Errorf("status %q is not accepted by email_log_status_check (allowed: %v)", status, allowed)
		}
	}
}
