package configuration

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfiguration() Configuration {
	return Configuration{
		Postgres:     PostgresConfig{Connection: map[string]string{"host": "localhost"}},
		MetricsPort:  9001,
		Feed:         validService("https://feed.example.com"),
		Detail:       validService("https://detail.example.com"),
		PollInterval: 5 * time.Minute,
		Backfill:     BackfillConfig{MaxPages: 10},
		TrackedCharacters: []TrackedCharacterConfig{
			{EntityID: 90001, Name: "Pilot One"},
		},
	}
}

func validService(baseURL string) ServiceConfig {
	return ServiceConfig{
		BaseURL:          baseURL,
		MinDelay:         500 * time.Millisecond,
		HTTPTimeout:      30 * time.Second,
		MaxRetries:       3,
		FailureThreshold: 5,
		Cooldown:         time.Minute,
	}
}

func TestValidateAcceptsCompleteConfiguration(t *testing.T) {
	assert.NoError(t, validConfiguration().Validate())
}

func failedFields(t *testing.T, err error) map[string]bool {
	t.Helper()
	require.Error(t, err)
	validationErrors, ok := err.(validator.ValidationErrors)
	require.True(t, ok, "expected validator.ValidationErrors, got %T", err)
	fields := map[string]bool{}
	for _, fieldError := range validationErrors {
		fields[fieldError.Namespace()] = true
	}
	return fields
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	config := validConfiguration()
	config.MetricsPort = 0
	config.Feed.BaseURL = ""
	config.Detail.Cooldown = 0

	fields := failedFields(t, config.Validate())
	assert.True(t, fields["Configuration.MetricsPort"])
	assert.True(t, fields["Configuration.Feed.BaseURL"])
	assert.True(t, fields["Configuration.Detail.Cooldown"])
}

func TestValidateRejectsMalformedServiceURL(t *testing.T) {
	config := validConfiguration()
	config.Feed.BaseURL = "not a url"

	fields := failedFields(t, config.Validate())
	assert.True(t, fields["Configuration.Feed.BaseURL"])
}

func TestValidateRejectsNonPositiveBudgets(t *testing.T) {
	config := validConfiguration()
	config.Feed.MaxRetries = 0
	config.Backfill.MaxPages = 0

	fields := failedFields(t, config.Validate())
	assert.True(t, fields["Configuration.Feed.MaxRetries"])
	assert.True(t, fields["Configuration.Backfill.MaxPages"])
}

func TestValidateDivesIntoTrackedCharacters(t *testing.T) {
	config := validConfiguration()
	config.TrackedCharacters = append(config.TrackedCharacters, TrackedCharacterConfig{EntityID: 90002})

	fields := failedFields(t, config.Validate())
	assert.True(t, fields["Configuration.TrackedCharacters[1].Name"])
}
