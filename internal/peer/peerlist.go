package peer

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/lni/goutils/stringutil"
)

// ParseList parses a semicolon-separated peer list:
//
//	host:port?name=...&priority=...&permafollower=true;host2:port2?...
//
// Each entry becomes one Peer with a stable, sequentially assigned ID. The
// peer set is static once parsed; there is no dynamic reconfiguration.
func ParseList(spec string) ([]*Peer, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	entries := strings.Split(spec, ";")
	peers := make([]*Peer, 0, len(entries))
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parseEntry(entry, uint64(i+1))
		if err != nil {
			return nil, errors.Wrapf(err, "peer: parse entry %q", entry)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

func parseEntry(entry string, id uint64) (*Peer, error) {
	host := entry
	query := ""
	if idx := strings.IndexByte(entry, '?'); idx >= 0 {
		host = entry[:idx]
		query = entry[idx+1:]
	}
	if !stringutil.IsValidAddress(host) {
		return nil, errors.Newf("peer: invalid host:port %q", host)
	}

	params := make(map[string]string)
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return nil, errors.Wrap(err, "peer: parse params")
		}
		for k := range values {
			params[k] = values.Get(k)
		}
	}

	name := params["name"]
	if name == "" {
		name = host
	}

	permaFollower := false
	if v, ok := params["permafollower"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.Wrapf(err, "peer: invalid permafollower value %q", v)
		}
		permaFollower = b
	}

	p := New(name, host, id, params, permaFollower)
	if v, ok := params["priority"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "peer: invalid priority value %q", v)
		}
		p.SetPriority(n)
	}
	return p, nil
}
