package edgepolicy

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"text/template"

	"github.com/and161185/miniapp-gate/internal/crypto"
)

// Placeholder stands in for the token hash before the first rotation.
const Placeholder = "<NEEDS_TO_BE_SET_DURING_APP_INIT>"

// FunctionParams drive the edge function source.
type FunctionParams struct {
	Header      string
	SourceCIDRs []string
	// Token is hashed with SHA-256 before embedding. Empty renders Placeholder.
	Token string
}

var functionTmpl = template.Must(template.New("fn").Parse(`const crypto = require('crypto');

function handler(event) {

    const request = event.request;
    const ip = event.viewer.ip;

    if (!isIPInRanges(ip, [ {{.Ranges}} ])) {

        return {

            statusCode: 403,
            statusDescription: 'Forbidden',
            headers: { 'content-type': { value: 'text/plain' } },
            body: 'Access denied'
        }
    }

    const header = request.headers['{{.Header}}'];
    const expectedToken = '{{.Expected}}';

    if (!header || sha256(header.value) !== expectedToken) {

        return {

            statusCode: 403,
            statusDescription: 'Forbidden',
            headers: { 'content-type': { value: 'text/plain' } },
            body: 'Access denied'
        }
    }

    request.headers['x-telegram-ip'] = { value: ip };
    request.headers['x-telegram-validated'] = { value: 'true' };
    return request;
}

function isIPInRanges(ip, ranges) {

    const ipNum = ip.split('.').map(i => parseInt(i)).reverse().reduce((acc, i, n) => acc + (i << n*8) , 0);
    return ranges.some(r => r.nw === (ipNum & r.mask))
}

function sha256(data) {

    return crypto.createHash('sha256').update(data||'').digest('hex')
}
`))

// RenderFunction returns the edge function source for p.
func RenderFunction(p FunctionParams) ([]byte, error) {
	ranges := make([]string, 0, len(p.SourceCIDRs))
	for _, c := range p.SourceCIDRs {
		nw, mask, err := ipv4Range(c)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, "{ nw: "+strconv.FormatInt(int64(nw), 10)+", mask: "+strconv.FormatInt(int64(mask), 10)+" }")
	}
	expected := Placeholder
	if p.Token != "" {
		expected = crypto.SHA256Hex(p.Token)
	}
	if strings.ContainsAny(p.Header, "'\\\n") {
		return nil, fmt.Errorf("invalid header name %q", p.Header)
	}

	var buf bytes.Buffer
	err := functionTmpl.Execute(&buf, struct {
		Ranges, Header, Expected string
	}{strings.Join(ranges, ", "), p.Header, expected})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ipv4Range returns network and mask as the signed 32-bit integers the
// function runtime produces with bitwise operators.
func ipv4Range(cidr string) (network, mask int32, err error) {
	pfx, err := netip.ParsePrefix(cidr)
	if err != nil {
		return 0, 0, fmt.Errorf("cidr %q: %w", cidr, err)
	}
	if !pfx.Addr().Is4() || pfx.Bits() == 0 {
		return 0, 0, fmt.Errorf("cidr %q: want a non-empty IPv4 prefix", cidr)
	}
	a := pfx.Addr().As4()
	ip := int32(uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3]))
	mask = int32(-1) << (32 - pfx.Bits())
	return ip & mask, mask, nil
}
