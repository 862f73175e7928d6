//go:build integration
// +build integration

package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy-service/internal/client"
	testhelpers "github.com/kjstillabower/weather-proxy-service/internal/testhelpers"
)

func TestOpenWeatherClient_Live(t *testing.T) {
	cfg := testhelpers.GetIntegrationConfig(t)
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, "es", 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.ValidateAPIKey(ctx); err != nil {
		t.Fatalf("ValidateAPIKey() error = %v (key may not be activated yet)", err)
	}

	rec, err := c.Fetch(ctx, "Madrid")
	if err != nil {
		t.Fatalf("Fetch(Madrid) error = %v", err)
	}
	if rec.City == "" || rec.Country != "ES" || rec.Timestamp == 0 {
		t.Errorf("Fetch(Madrid) = %+v", rec)
	}

	if _, err := c.Fetch(ctx, "Xyzzyplughtown"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("Fetch(unknown) error = %v, want ErrNotFound", err)
	}
}
