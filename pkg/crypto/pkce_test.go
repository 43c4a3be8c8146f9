// SPDX-FileCopyrightText: Copyright 2026 Grove Labs, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeneratePKCEVerifier(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()

	// RFC 7636: code_verifier must be 43-128 characters
	assert.GreaterOrEqual(t, len(verifier), 43)
	assert.LessOrEqual(t, len(verifier), 128)
}

func TestComputePKCEChallenge_RFC7636Example(t *testing.T) {
	t.Parallel()

	// RFC 7636 Appendix B example
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, expected, ComputePKCEChallenge(verifier))
}

func TestVerifyPKCEChallenge(t *testing.T) {
	t.Parallel()

	verifier := GeneratePKCEVerifier()
	challenge := ComputePKCEChallenge(verifier)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		want      bool
	}{
		{"matching pair", verifier, challenge, true},
		{"wrong verifier", GeneratePKCEVerifier(), challenge, false},
		{"empty verifier", "", challenge, false},
		{"empty challenge", verifier, "", false},
		{"challenge as verifier", challenge, challenge, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, VerifyPKCEChallenge(tt.verifier, tt.challenge))
		})
	}
}
