package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/frostr-org/igloo-server/internal/session"
)

func policyWith(methods map[string]bool, kinds map[string]bool) session.Policy {
	p := session.NewPolicy()
	for k, v := range methods {
		p.Methods[k] = v
	}
	for k, v := range kinds {
		p.Kinds[k] = v
	}
	return p
}

func TestMethodDecisions(t *testing.T) {
	p := policyWith(map[string]bool{"ping": true, "nip04_decrypt": false}, nil)

	res := Evaluate(p, "ping", nil)
	assert.Equal(t, Allow, res.Decision)

	res = Evaluate(p, "nip04_decrypt", []string{"pk", "ct"})
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, "nip04_decrypt not allowed by policy", res.Reason)

	// Unknown methods prompt rather than deny.
	res = Evaluate(p, "nip44_encrypt", []string{"pk", "pt"})
	assert.Equal(t, Prompt, res.Decision)
	assert.Equal(t, -1, res.Kind)
}

func TestSignEventKindGating(t *testing.T) {
	tmpl := `{"kind":1,"created_at":1700000000,"content":"hi"}`

	res := Evaluate(policyWith(nil, map[string]bool{"1": true}), "sign_event", []string{tmpl})
	assert.Equal(t, Allow, res.Decision)
	assert.Equal(t, 1, res.Kind)

	res = Evaluate(policyWith(nil, map[string]bool{"1": false}), "sign_event", []string{tmpl})
	assert.Equal(t, Deny, res.Decision)
	assert.Equal(t, "sign_event kind 1 not allowed by policy", res.Reason)

	res = Evaluate(policyWith(nil, nil), "sign_event", []string{tmpl})
	assert.Equal(t, Prompt, res.Decision)
	assert.Equal(t, 1, res.Kind)
}

func TestSignEventIgnoresMethodsMap(t *testing.T) {
	// sign_event is gated solely by the kinds map; a methods entry for it
	// changes nothing.
	tmpl := `{"kind":1,"content":""}`
	p := policyWith(map[string]bool{"sign_event": true}, nil)
	res := Evaluate(p, "sign_event", []string{tmpl})
	assert.Equal(t, Prompt, res.Decision)
}

func TestWildcardKinds(t *testing.T) {
	tmpl := `{"kind":30023,"content":""}`

	res := Evaluate(policyWith(nil, map[string]bool{"*": true}), "sign_event", []string{tmpl})
	assert.Equal(t, Allow, res.Decision)

	// An explicit false overrides the wildcard.
	res = Evaluate(policyWith(nil, map[string]bool{"*": true, "30023": false}), "sign_event", []string{tmpl})
	assert.Equal(t, Deny, res.Decision)

	// An explicit true alongside the wildcard still allows.
	res = Evaluate(policyWith(nil, map[string]bool{"*": true, "30023": true}), "sign_event", []string{tmpl})
	assert.Equal(t, Allow, res.Decision)
}

func TestMalformedTemplateDenies(t *testing.T) {
	p := policyWith(nil, map[string]bool{"*": true})

	for _, params := range [][]string{
		nil,
		{},
		{"not json"},
		{`{"kind":-5,"content":""}`},
		{`{"kind":1.5,"content":""}`},
	} {
		res := Evaluate(p, "sign_event", params)
		assert.Equal(t, Deny, res.Decision, "params %v", params)
		assert.Equal(t, "unparseable event template", res.Reason)
	}
}
