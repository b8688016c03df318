package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulseworm/pkg/proto"
)

func TestParseJob(t *testing.T) {
	cases := []struct {
		in      string
		host    string
		port    int
		network string
		p       proto.Protocol
	}{
		{"10.0.0.5:445/smb", "10.0.0.5", 445, "tcp", proto.SMB},
		{"10.0.0.5:2121/FTP", "10.0.0.5", 2121, "tcp", proto.FTP},
		{"127.0.0.1:3389", "127.0.0.1", 3389, "tcp", proto.RDP},
		{"127.0.0.1:9000", "127.0.0.1", 9000, "tcp", proto.Unknown},
		{"[::1]:22/ssh", "::1", 22, "tcp", proto.SSH},
		{"lab:80/gopher", "lab", 80, "tcp", proto.Unknown},
		{"10.0.0.53:53/udp", "10.0.0.53", 53, "udp", proto.DNS},
		{"10.0.0.53:5300/dns/udp", "10.0.0.53", 5300, "udp", proto.DNS},
		{"10.0.0.9:5060/UDP", "10.0.0.9", 5060, "udp", proto.Unknown},
		{"10.0.0.9:3389/udp", "10.0.0.9", 3389, "udp", proto.Unknown},
		{"10.0.0.5:445/tcp/smb", "10.0.0.5", 445, "tcp", proto.SMB},
	}
	for _, c := range cases {
		j, err := parseJob(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.host, j.Target.Host, c.in)
		assert.Equal(t, c.port, j.Target.Port, c.in)
		assert.Equal(t, c.network, j.Target.Network, c.in)
		assert.Equal(t, c.p, j.Protocol, c.in)
	}
}

func TestParseJobRejects(t *testing.T) {
	for _, in := range []string{"10.0.0.5", "10.0.0.5:0/smb", "10.0.0.5:http", "host:70000", "h:53/dns/smb", "h:53//udp"} {
		_, err := parseJob(in)
		assert.Error(t, err, in)
	}
}
