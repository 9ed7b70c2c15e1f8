package broker

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/frostr-org/igloo-server/internal/session"
)

// ConnectURI is a parsed nostrconnect:// URI pasted by the operator.
type ConnectURI struct {
	ClientPubkey string
	Relays       []string
	Secret       string
	Profile      session.Profile
	// Perms is the policy the client asks for. Informational; never
	// auto-granted.
	Perms *session.Policy
}

// ParseConnectURI parses
// nostrconnect://<pubkey>?relay=<url>&secret=<hex>&name=&url=&image=&perms=<csv>.
// At least one relay is required.
func ParseConnectURI(raw string) (*ConnectURI, error) {
	if !strings.HasPrefix(raw, "nostrconnect://") {
		return nil, fmt.Errorf("not a nostrconnect:// URI")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connect URI: %w", err)
	}

	cpk, err := session.NormalizeKey(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid client pubkey in connect URI: %w", err)
	}

	q := u.Query()
	relays := q["relay"]
	var clean []string
	for _, r := range relays {
		r = strings.TrimSpace(r)
		if strings.HasPrefix(r, "wss://") || strings.HasPrefix(r, "ws://") {
			clean = append(clean, r)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("connect URI must name at least one relay")
	}

	out := &ConnectURI{
		ClientPubkey: cpk,
		Relays:       clean,
		Secret:       q.Get("secret"),
		Profile: session.Profile{
			Name:  q.Get("name"),
			URL:   q.Get("url"),
			Image: q.Get("image"),
		},
	}
	if perms := q.Get("perms"); perms != "" {
		p := parsePermsCSV(perms)
		out.Perms = &p
	}
	return out, nil
}

// parsePermsCSV parses the NIP-46 permission shorthand, e.g.
// "sign_event:1,sign_event:30023,nip44_encrypt". sign_event entries carry a
// kind suffix and land in the kinds map; everything else is a method.
func parsePermsCSV(csv string) session.Policy {
	p := session.NewPolicy()
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(entry, "sign_event:"); ok {
			if rest == "*" {
				p.Kinds["*"] = true
				continue
			}
			if kind, err := strconv.Atoi(rest); err == nil && kind >= 0 {
				p.Kinds[strconv.Itoa(kind)] = true
			}
			continue
		}
		if entry == "sign_event" {
			p.Kinds["*"] = true
			continue
		}
		p.Methods[entry] = true
	}
	return p
}
