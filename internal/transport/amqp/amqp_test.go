package amqp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/hookrelay/hookrelay/internal/models"
)

func TestClassifyAMQPErrorByCode(t *testing.T) {
	assert.Equal(t, "access_denied", ClassifyAMQPError(&amqp091.Error{Code: amqp091.AccessRefused}))
	assert.Equal(t, "exchange_not_found", ClassifyAMQPError(&amqp091.Error{Code: amqp091.NotFound}))
	assert.Equal(t, "channel_error", ClassifyAMQPError(&amqp091.Error{Code: amqp091.ChannelError}))
	assert.Equal(t, "connection_forced", ClassifyAMQPError(&amqp091.Error{Code: amqp091.ConnectionForced}))
}

func TestClassifyAMQPErrorByString(t *testing.T) {
	assert.Equal(t, "dns_error", ClassifyAMQPError(errors.New("dial tcp: no such host")))
	assert.Equal(t, "connection_refused", ClassifyAMQPError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "timeout", ClassifyAMQPError(errors.New("context deadline exceeded")))
	assert.Equal(t, "auth_failed", ClassifyAMQPError(errors.New("ACCESS_REFUSED - access denied")))
	assert.Equal(t, "unknown", ClassifyAMQPError(nil))
}

func TestValidateConfigRequiresExchangeAndURL(t *testing.T) {
	p := New()

	assert.Error(t, p.ValidateConfig(models.ConfigBlob{}))
	assert.Error(t, p.ValidateConfig(models.ConfigBlob{"url": "amqp://localhost"}))
	assert.Error(t, p.ValidateConfig(models.ConfigBlob{"url": "http://localhost", "exchange": "events"}))
	assert.NoError(t, p.ValidateConfig(models.ConfigBlob{"url": "amqp://localhost", "exchange": "events"}))
}
