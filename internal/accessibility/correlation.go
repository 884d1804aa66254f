// internal/accessibility/correlation.go
package accessibility

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Environment variables carrying the cross-system correlation identifiers.
const (
	EnvTestRunUUID = "TEST_ANALYTICS_ID"
	EnvBuildUUID   = "BROWSERSTACK_TESTHUB_UUID"
	EnvJWT         = "BROWSERSTACK_TESTHUB_JWT"
)

// Correlation is the context object handed to the save-results script.
// Absent identifiers stay nil and are omitted from the payload.
type Correlation struct {
	TestRunUUID *string `json:"thTestRunUuid,omitempty"`
	BuildUUID   *string `json:"thBuildUuid,omitempty"`
	JWT         *string `json:"thJwtToken,omitempty"`
}

// CorrelationFromEnv reads the identifiers through lookup, usually os.LookupEnv.
func CorrelationFromEnv(lookup func(string) (string, bool)) Correlation {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) *string {
		if v, ok := lookup(key); ok && v != "" {
			return &v
		}
		return nil
	}
	return Correlation{
		TestRunUUID: get(EnvTestRunUUID),
		BuildUUID:   get(EnvBuildUUID),
		JWT:         get(EnvJWT),
	}
}

// Payload renders the correlation as the plain object passed to the script.
func (c Correlation) Payload() map[string]any {
	payload := make(map[string]any, 3)
	if c.TestRunUUID != nil {
		payload["thTestRunUuid"] = *c.TestRunUUID
	}
	if c.BuildUUID != nil {
		payload["thBuildUuid"] = *c.BuildUUID
	}
	if c.JWT != nil {
		payload["thJwtToken"] = *c.JWT
	}
	return payload
}

// TokenExpiry reads the expiry claim of the correlation token without
// verifying its signature. The token is only forwarded, never trusted here.
func (c Correlation) TokenExpiry() (time.Time, bool, error) {
	if c.JWT == nil {
		return time.Time{}, false, nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(*c.JWT, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse correlation token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid correlation token expiry: %w", err)
	}
	if exp == nil {
		return time.Time{}, false, nil
	}
	return exp.Time, true, nil
}
