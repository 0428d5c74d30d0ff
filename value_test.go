package pvnet

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValueSetGetChanged(t *testing.T) {
	v := NewValue([]string{"value", "alarm.severity"})

	assert.Equal(t, v.Keys(), []string{"value", "alarm.severity"})
	assert.Equal(t, v.ChangedSet(), []string{})

	err := v.Set("value", float64(5))
	assert.Equal(t, err, nil)
	assert.Equal(t, v.Changed("value"), true)
	assert.Equal(t, v.Changed("alarm.severity"), false)
	assert.Equal(t, v.ChangedSet(), []string{"value"})

	got, ok := v.Get("value")
	assert.Equal(t, ok, true)
	assert.Equal(t, got, float64(5))

	f, ok := v.Float("value")
	assert.Equal(t, ok, true)
	assert.Equal(t, f, float64(5))

	err = v.Set("bogus", 1)
	assert.NotEqual(t, err, nil)

	_, ok = v.Get("bogus")
	assert.Equal(t, ok, false)
}

func TestValueChangeTracking(t *testing.T) {
	v := NTScalar()
	v.MarkAllChanged()
	assert.Equal(t, len(v.ChangedSet()), len(v.Keys()))

	v.ClearChanged()
	assert.Equal(t, v.ChangedSet(), []string{})

	v.MustSet("alarm.severity", float64(1))
	assert.Equal(t, v.ChangedSet(), []string{"alarm.severity"})
}

func TestValueFloatCoercion(t *testing.T) {
	v := ScalarInt(3)
	f, ok := v.Float("value")
	assert.Equal(t, ok, true)
	assert.Equal(t, f, float64(3))

	v.MustSet("value", "not a number")
	_, ok = v.Float("value")
	assert.Equal(t, ok, false)
}

func TestValueCloneIsIndependent(t *testing.T) {
	a := ScalarFloat(1.0)
	b := a.Clone()
	b.MustSet("value", float64(2))

	fa, _ := a.Float("value")
	fb, _ := b.Float("value")
	assert.Equal(t, fa, float64(1))
	assert.Equal(t, fb, float64(2))
}

func TestValueDiff(t *testing.T) {
	a := ScalarFloat(1.0)
	b := ScalarFloat(1.0)
	assert.Equal(t, a.Diff(b), []string{})

	b.MustSet("value", float64(2))
	b.MustSet("alarm.message", "hi")
	assert.Equal(t, a.Diff(b), []string{"value", "alarm.message"})
}
