package proto

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := map[string]Protocol{
		"smb":    SMB,
		" RDP ":  RDP,
		"Http":   HTTP,
		"ssh":    SSH,
		"gopher": Unknown,
		"":       Unknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, Parse(in), "Parse(%q)", in)
	}
	assert.False(t, Unknown.Known())
	assert.True(t, DNS.Known())
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		resp []byte
		want Protocol
	}{
		{"smb1", []byte("\xffSMBr\x00\x00"), SMB},
		{"smb2", []byte("\xfeSMB@\x00"), SMB},
		{"rdp", []byte("\x03\x00\x00\x13\x0e\xd0"), RDP},
		{"http", []byte("HTTP/1.1 200 OK\r\n"), HTTP},
		{"ftp", []byte("220 ready\r\n"), FTP},
		{"ssh", []byte("SSH-2.0-OpenSSH_9.3\r\n"), SSH},
		{"empty", nil, Unknown},
		{"garbage", []byte{0x42, 0x42}, Unknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Detect(tc.resp))
		})
	}
}

func TestSignaturesAreCopies(t *testing.T) {
	sigs := Signatures(SMB)
	require.Len(t, sigs, 2)
	sigs[0][0] = 'X'
	assert.True(t, MatchesSignature(SMB, []byte("\xffSMB")))
	assert.False(t, HasSignature(Unknown))
}

func TestTemplate(t *testing.T) {
	tp := NewTemplateProvider(rand.New(rand.NewSource(1)))

	smb := tp.Template(SMB)
	assert.Equal(t, []byte("\x00\x00\x00\xc0\xfeSMB@\x00\x00\x00\x00"), smb)
	smb[0] = 0xff
	assert.Equal(t, byte(0x00), tp.Template(SMB)[0], "template must be handed out as a copy")

	for _, p := range []Protocol{RDP, HTTP} {
		assert.NotEmpty(t, tp.Template(p))
	}

	for _, p := range []Protocol{Unknown, SSH, FTP, DNS} {
		seed := tp.Template(p)
		assert.Len(t, seed, RandomTemplateSize, "protocol %s", p)
	}
	assert.NotEqual(t, tp.Template(Unknown), tp.Template(Unknown))
}
