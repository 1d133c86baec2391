// Copyright (C) 2025 Crosswalk Bio (dev@crosswalk.bio)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	valid := []string{
		"P12345",
		"Q8NEV9",
		"ENSG00000139618",
		"HMDB0000001",
		"CHEBI:15377",
		"NP_000509.1",
		"BRCA2",
		"1433B",
	}
	for _, id := range valid {
		if err := ValidateIdentifier(id); err != nil {
			t.Errorf("ValidateIdentifier(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		" P12345",
		"P12 345",
		"P12345,Q8NEV9",
		"_P12345",
		strings.Repeat("A", 65),
		"P12345\n",
	}
	for _, id := range invalid {
		if err := ValidateIdentifier(id); err == nil {
			t.Errorf("ValidateIdentifier(%q) = nil, want error", id)
		}
	}
}

func TestValidateNamespace(t *testing.T) {
	valid := []string{"uniprot", "ensembl_gene", "refseq_protein", "hmdb", "a1"}
	for _, ns := range valid {
		if err := ValidateNamespace(ns); err != nil {
			t.Errorf("ValidateNamespace(%q) = %v, want nil", ns, err)
		}
	}

	invalid := []string{"", "UniProt", "1uniprot", "uni-prot", "uni prot", strings.Repeat("a", 33)}
	for _, ns := range invalid {
		if err := ValidateNamespace(ns); err == nil {
			t.Errorf("ValidateNamespace(%q) = nil, want error", ns)
		}
	}
}
