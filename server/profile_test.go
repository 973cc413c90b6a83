package server

import (
	"slices"
	"testing"

	"github.com/giantswarm/idp-oauth/storage"
)

func TestAnalyzeProfile(t *testing.T) {
	srv := &storage.ServerConfiguration{
		FAPIBaselineScopes: []string{"payments"},
		FAPIAdvanceScopes:  []string{"accounts"},
	}

	tests := []struct {
		scopes []string
		want   storage.Profile
	}{
		{scopes: []string{"read"}, want: storage.ProfileOAuth2},
		{scopes: nil, want: storage.ProfileOAuth2},
		{scopes: []string{"openid", "read"}, want: storage.ProfileOIDC},
		{scopes: []string{"payments"}, want: storage.ProfileFAPIBaseline},
		{scopes: []string{"openid", "payments"}, want: storage.ProfileFAPIBaseline},
		{scopes: []string{"accounts"}, want: storage.ProfileFAPIAdvance},
		{scopes: []string{"payments", "accounts"}, want: storage.ProfileFAPIAdvance},
	}
	for _, tt := range tests {
		if got := AnalyzeProfile(tt.scopes, srv); got != tt.want {
			t.Errorf("AnalyzeProfile(%v) = %s, want %s", tt.scopes, got, tt.want)
		}
	}
}

func TestAnalyzeBackchannelProfile(t *testing.T) {
	srv := &storage.ServerConfiguration{
		FAPIBaselineScopes: []string{"payments"},
		FAPIAdvanceScopes:  []string{"accounts"},
	}
	if got := AnalyzeBackchannelProfile([]string{"openid"}, srv); got != storage.ProfileCIBA {
		t.Errorf("plain request = %s", got)
	}
	for _, scope := range []string{"payments", "accounts"} {
		if got := AnalyzeBackchannelProfile([]string{"openid", scope}, srv); got != storage.ProfileFAPICIBA {
			t.Errorf("%s = %s, want FAPI-CIBA", scope, got)
		}
	}
}

func TestFilterScopes(t *testing.T) {
	client := &storage.ClientConfiguration{Scopes: []string{"openid", "read", "write"}}
	srv := &storage.ServerConfiguration{ScopesSupported: []string{"openid", "read"}}

	got := filterScopes([]string{"write", "read", "admin", "openid", "read"}, client, srv)
	if want := []string{"read", "openid"}; !slices.Equal(got, want) {
		t.Errorf("filterScopes() = %v, want %v", got, want)
	}

	if got := filterScopes([]string{"admin"}, client, srv); len(got) != 0 {
		t.Errorf("filterScopes() = %v, want none", got)
	}
}
