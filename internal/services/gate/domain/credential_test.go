package domain

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestCredentialAcceptable(t *testing.T) {
	cases := []struct {
		name       string
		credential Credential
		want       bool
	}{
		{
			name:       "valid checksum future expiry",
			credential: Credential{Code: "4111111111111111", Expiry: "12/35", Secret: "123"},
			want:       true,
		},
		{
			name:       "past expiry",
			credential: Credential{Code: "4111111111111111", Expiry: "12/99", Secret: "123"},
			want:       false,
		},
		{
			name:       "code too short",
			credential: Credential{Code: "1234", Expiry: "12/35", Secret: "123"},
			want:       false,
		},
		{
			name:       "checksum failure",
			credential: Credential{Code: "4111111111111112", Expiry: "12/35", Secret: "123"},
			want:       false,
		},
		{
			name:       "current month still valid",
			credential: Credential{Code: "4111111111111111", Expiry: "03/26", Secret: "123"},
			want:       true,
		},
		{
			name:       "previous month expired",
			credential: Credential{Code: "4111111111111111", Expiry: "02/26", Secret: "123"},
			want:       false,
		},
		{
			name:       "malformed expiry",
			credential: Credential{Code: "4111111111111111", Expiry: "1235", Secret: "123"},
			want:       false,
		},
		{
			name:       "month out of range",
			credential: Credential{Code: "4111111111111111", Expiry: "13/35", Secret: "123"},
			want:       false,
		},
		{
			name:       "secret too short",
			credential: Credential{Code: "4111111111111111", Expiry: "12/35", Secret: "12"},
			want:       false,
		},
		{
			name:       "secret too long",
			credential: Credential{Code: "4111111111111111", Expiry: "12/35", Secret: "12345"},
			want:       false,
		},
		{
			name:       "secret not numeric",
			credential: Credential{Code: "4111111111111111", Expiry: "12/35", Secret: "12a"},
			want:       false,
		},
		{
			name:       "code with letters",
			credential: Credential{Code: "41111111111111ab", Expiry: "12/35", Secret: "123"},
			want:       false,
		},
		{
			name:       "four digit secret",
			credential: Credential{Code: "371449635398431", Expiry: "12/35", Secret: "1234"},
			want:       true,
		},
		{
			name:       "whitespace normalized",
			credential: Credential{Code: " 4111111111111111 ", Expiry: " 12/35 ", Secret: " 123 "},
			want:       true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.credential.Acceptable(testNow); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestCredentialEmpty(t *testing.T) {
	if !(Credential{}).Empty() {
		t.Fatal("zero credential should be empty")
	}
	if (Credential{Code: "4111111111111111"}).Empty() {
		t.Fatal("partially populated credential should not be empty")
	}
}
