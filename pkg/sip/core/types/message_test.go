package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders_OrderAndLookup(t *testing.T) {
	var h Headers
	h.Add("Via", "SIP/2.0/UDP a.example.com;branch=z9hG4bK1")
	h.Add("X-Custom", "one")
	h.Add("v", "SIP/2.0/UDP b.example.com;branch=z9hG4bK2")
	h.Add("x-custom", "two")

	assert.Equal(t, "SIP/2.0/UDP a.example.com;branch=z9hG4bK1", h.Get("VIA"))
	assert.Equal(t, []string{
		"SIP/2.0/UDP a.example.com;branch=z9hG4bK1",
		"SIP/2.0/UDP b.example.com;branch=z9hG4bK2",
	}, h.Values("via"), "компактная форма должна находиться по полному имени")
	assert.Equal(t, []string{"one", "two"}, h.Values("X-CUSTOM"))

	h.Set("X-Custom", "three")
	all := h.All()
	require.Len(t, all, 3)
	assert.Equal(t, "X-Custom", all[1].Name, "Set сохраняет позицию и исходное имя первого значения")
	assert.Equal(t, "three", all[1].Value)

	h.Del("via")
	assert.False(t, h.Has("Via"))
	assert.Equal(t, 1, h.Len())
}

func TestCanonicalHeaderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"call-id", "Call-ID"},
		{"i", "Call-ID"},
		{"CSEQ", "CSeq"},
		{"content-length", "Content-Length"},
		{"l", "Content-Length"},
		{"x-mac-address", "X-Mac-Address"},
		{"www-authenticate", "WWW-Authenticate"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalHeaderName(tt.in), tt.in)
	}
}

func TestRequest_SerializationIsDeterministic(t *testing.T) {
	uri, err := ParseURI("sip:1002@pbx.example.com")
	require.NoError(t, err)

	req := NewRequest("invite", uri)
	req.AddHeader("Via", "SIP/2.0/UDP 10.0.0.1:5060;branch=z9hG4bKabc")
	req.AddHeader("From", "<sip:1001@pbx.example.com>;tag=a1")
	req.AddHeader("To", "<sip:1002@pbx.example.com>")
	req.AddHeader("Call-ID", "call-1")
	req.AddHeader("CSeq", "1 INVITE")
	req.AddHeader("X-Unknown", "kept as is")
	req.SetBody("application/sdp", []byte("v=0\r\n"))

	first := req.Bytes()
	second := req.Bytes()
	assert.Equal(t, first, second)
	assert.Contains(t, string(first), "INVITE sip:1002@pbx.example.com SIP/2.0\r\n")
	assert.Contains(t, string(first), "X-Unknown: kept as is\r\n")
	assert.Contains(t, string(first), "Content-Length: 5\r\n\r\nv=0\r\n")

	clone := req.Clone()
	clone.SetHeader("CSeq", "2 INVITE")
	cseq, err := req.CSeq()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), cseq.Sequence, "изменение копии не затрагивает оригинал")
}

func TestResponse_Basics(t *testing.T) {
	resp := NewResponse(StatusNotAcceptableHere, "")
	assert.Equal(t, "SIP/2.0 488 Not Acceptable Here", resp.StartLine())
	assert.True(t, resp.IsFinal())
	assert.False(t, resp.IsSuccess())
	assert.False(t, resp.IsRequest())
	assert.Equal(t, "Client Error", ReasonPhrase(499))
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want URI
	}{
		{
			name: "полный URI",
			in:   "sip:alice:secret@example.com:5070;transport=udp;lr?subject=hi",
			want: URI{
				Scheme: "sip", User: "alice", Password: "secret", Host: "example.com", Port: 5070,
				Params:  Params{{Name: "transport", Value: "udp"}, {Name: "lr"}},
				Headers: Params{{Name: "subject", Value: "hi"}},
			},
		},
		{
			name: "IPv6",
			in:   "sips:[2001:db8::1]:5061",
			want: URI{Scheme: "sips", Host: "2001:db8::1", Port: 5061},
		},
		{
			name: "без пользователя",
			in:   "sip:10.0.0.1",
			want: URI{Scheme: "sip", Host: "10.0.0.1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURI(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
			assert.Equal(t, tt.in, got.String())
		})
	}

	_, err := ParseURI("http://example.com")
	assert.Error(t, err)
	_, err = ParseURI("sip:host:notaport")
	assert.Error(t, err)
}

func TestURI_Equals(t *testing.T) {
	a, _ := ParseURI("sip:bob@Example.com")
	b, _ := ParseURI("sip:bob@example.com:5060")
	c, _ := ParseURI("sip:bob@example.com;transport=tcp")
	assert.True(t, a.Equals(b))
	assert.False(t, a.Equals(c))
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress(`"Alice \"A\"" <sip:alice@example.com;transport=udp>;tag=1928301774`)
	require.NoError(t, err)
	assert.Equal(t, `Alice "A"`, addr.DisplayName)
	assert.Equal(t, "alice", addr.URI.User)
	assert.Equal(t, "udp", addr.URI.Params.Value("transport"))
	assert.Equal(t, "1928301774", addr.Tag())

	// addr-spec: параметры относятся к заголовку
	addr, err = ParseAddress("sip:bob@example.com;tag=xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", addr.Tag())
	assert.Empty(t, addr.URI.Params)

	addr.SetTag("new")
	assert.Equal(t, "<sip:bob@example.com>;tag=new", addr.String())

	list, err := ParseAddressList(`<sip:a@x>;expires=60, "B, Inc" <sip:b@y>`)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B, Inc", list[1].DisplayName)

	wildcard, err := ParseAddress("*")
	require.NoError(t, err)
	assert.True(t, wildcard.Wildcard)
}

func TestParseVia(t *testing.T) {
	vias, err := ParseViaList("SIP/2.0/UDP 192.168.1.10:5062;branch=z9hG4bK776;rport, SIP/2.0/udp proxy.example.com")
	require.NoError(t, err)
	require.Len(t, vias, 2)

	top := vias[0]
	assert.Equal(t, "UDP", top.Transport)
	assert.Equal(t, "192.168.1.10", top.Host)
	assert.Equal(t, 5062, top.Port)
	assert.Equal(t, "z9hG4bK776", top.Branch())
	assert.True(t, top.Params.Has("rport"))
	assert.Equal(t, "SIP/2.0/UDP 192.168.1.10:5062;branch=z9hG4bK776;rport", top.String())

	assert.Equal(t, "UDP", vias[1].Transport)
	assert.Equal(t, 0, vias[1].Port)

	_, err = ParseVia("garbage")
	assert.Error(t, err)
}

func TestParseCSeq(t *testing.T) {
	c, err := ParseCSeq("4711 invite")
	require.NoError(t, err)
	assert.Equal(t, CSeq{Sequence: 4711, Method: MethodINVITE}, c)
	assert.Equal(t, "4711 INVITE", c.String())

	_, err = ParseCSeq("x INVITE")
	assert.Error(t, err)
	_, err = ParseCSeq("1")
	assert.Error(t, err)
}
