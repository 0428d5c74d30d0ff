package pvnet

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestStaticProvider(t *testing.T) {
	prov := NewStaticProvider("testprov")
	assert.Equal(t, prov.ProviderName(), "testprov")

	a := NewSharedPVWithDefaults(nil)
	b := NewSharedPVWithDefaults(nil)

	assert.Equal(t, prov.Add("b", b), nil)
	assert.Equal(t, prov.Add("a", a), nil)
	err := prov.Add("a", b)
	assert.Equal(t, errors.Is(err, ErrDuplicateName), true)

	pv, ok := prov.Lookup("a")
	assert.Equal(t, ok, true)
	assert.Equal(t, pv, a)

	_, ok = prov.Lookup("missing")
	assert.Equal(t, ok, false)

	assert.Equal(t, prov.Names(), []string{"a", "b"})

	prov.Remove("a")
	_, ok = prov.Lookup("a")
	assert.Equal(t, ok, false)
	assert.Equal(t, prov.Names(), []string{"b"})

	// removed names can be reused
	assert.Equal(t, prov.Add("a", b), nil)
}

func TestProviderFirstMatchWins(t *testing.T) {
	first := NewSharedPVWithDefaults(nil)
	second := NewSharedPVWithDefaults(nil)

	provA := NewStaticProvider("a")
	assert.Equal(t, provA.Add("dup", first), nil)
	provB := NewStaticProvider("b")
	assert.Equal(t, provB.Add("dup", second), nil)
	assert.Equal(t, provB.Add("only", second), nil)

	server, err := NewServerWithDefaults([]Provider{provA, provB})
	assert.Equal(t, err, nil)
	defer server.Stop()

	assert.Equal(t, first.Open(ScalarFloat(1)), nil)
	assert.Equal(t, second.Open(ScalarFloat(2)), nil)

	ctxt, err := NewLoopbackClientContext(server)
	assert.Equal(t, err, nil)
	defer ctxt.Close()

	// same name in two providers: construction order decides, first wins
	value, err := ctxt.Get("dup")
	assert.Equal(t, err, nil)
	f, _ := value.Float("value")
	assert.Equal(t, f, float64(1))

	// names unique to a later provider still resolve
	value, err = ctxt.Get("only")
	assert.Equal(t, err, nil)
	f, _ = value.Float("value")
	assert.Equal(t, f, float64(2))
}
