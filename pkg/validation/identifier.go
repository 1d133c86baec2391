// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides syntax validation for identifiers and
// namespace names.
//
// Validators here gate user-provided values before they reach the cache
// store or an external lookup client, so malformed input is rejected as a
// data outcome instead of producing garbage cache keys.
package validation

import (
	"fmt"
	"regexp"
)

// identifierPattern matches plausible accession syntax across the supported
// namespaces: alphanumerics with dots, colons, hyphens, underscores.
// Examples: P12345, ENSG00000139618, HMDB0000001, CHEBI:15377, NP_000509.1
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.:_\-]{0,63}$`)

// namespacePattern matches namespace names: lowercase snake_case, 1-32 chars.
// Examples: uniprot, ensembl_gene, refseq_protein
var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ValidateIdentifier checks accession syntax.
//
// Valid identifiers:
//   - 1-64 characters
//   - start with a letter or digit
//   - letters, digits, dots, colons, hyphens
//
// Returns an error describing the violation, nil when valid.
func ValidateIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("identifier %q contains invalid syntax", id)
	}
	return nil
}

// ValidateNamespace checks namespace-name syntax (lowercase snake_case).
func ValidateNamespace(ns string) error {
	if ns == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("namespace %q must be lowercase snake_case", ns)
	}
	return nil
}
