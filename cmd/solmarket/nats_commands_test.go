package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectFilter(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		target  string
		want    string
		wantErr string
	}{
		{name: "everything", want: "notify.>"},
		{name: "all dms", kind: "dm", want: "notify.dm.*"},
		{name: "one channel", kind: "channel", target: "C123", want: "notify.channel.C123"},
		{name: "one user", kind: "dm", target: "42", want: "notify.dm.42"},
		{name: "unknown kind", kind: "email", wantErr: "invalid kind"},
		{name: "target without kind", target: "42", wantErr: "--target requires --kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := subjectFilter(tt.kind, tt.target)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
