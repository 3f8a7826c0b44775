package tunnel

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientTLSConfig(t *testing.T) {
	conf, err := NewClientTLSConfig(&TLSConfig{ServerName: "flowkit.test"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
	assert.Equal(t, "flowkit.test", conf.ServerName)
	assert.False(t, conf.InsecureSkipVerify)
}

func TestNewClientTLSConfigNil(t *testing.T) {
	_, err := NewClientTLSConfig(nil)
	assert.Error(t, err)
}

func TestNewServerTLSConfigRequiresCert(t *testing.T) {
	_, err := NewServerTLSConfig(&TLSConfig{})
	assert.Error(t, err)

	cert, _ := newTestCert(t, "flowkit.test")
	conf, err := NewServerTLSConfig(&TLSConfig{Certificates: []tls.Certificate{cert}})
	require.NoError(t, err)
	assert.Len(t, conf.Certificates, 1)
}
