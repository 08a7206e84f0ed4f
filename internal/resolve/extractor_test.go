package resolve

import (
	"errors"
	"fmt"
	"testing"
)

func TestGeoFallbackRetriesOnce(t *testing.T) {
	geoErr := fmt.Errorf("%w: this video is not available in your country", ErrExtraction)
	otherErr := fmt.Errorf("%w: sign in to confirm your age", ErrExtraction)

	tests := []struct {
		name     string
		errs     []error // per attempt; nil = success
		wantRuns int
		wantErr  error
		wantLast bool // bypass flag on the final attempt
	}{
		{"success first try", []error{nil}, 1, nil, false},
		{"geo restriction retried with bypass", []error{geoErr, nil}, 2, nil, true},
		{"geo restriction persists", []error{geoErr, geoErr}, 2, geoErr, true},
		{"non-geo failure not retried", []error{otherErr}, 1, otherErr, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var runs int
			var lastBypass bool
			_, err := geoFallback(func(bypass bool) (string, error) {
				attempt := runs
				runs++
				lastBypass = bypass
				return "out", tt.errs[attempt]
			})

			if runs != tt.wantRuns {
				t.Errorf("attempts = %d, want %d", runs, tt.wantRuns)
			}
			if !errors.Is(err, tt.wantErr) && err != tt.wantErr {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if lastBypass != tt.wantLast {
				t.Errorf("final bypass = %v, want %v", lastBypass, tt.wantLast)
			}
		})
	}
}

func TestGeoRestricted(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"The uploader has not made this video available in your country", true},
		{"Video unavailable for viewers in your location", true},
		{"HTTP Error 403: geo restriction applied", true},
		{"Sign in to confirm your age", false},
		{"HTTP Error 404: Not Found", false},
	}
	for _, tt := range tests {
		if got := geoRestricted(errors.New(tt.msg)); got != tt.want {
			t.Errorf("geoRestricted(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
