package relay

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	a := NewId()
	for range 1024 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b := NewId()
	test1.B = &b

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestDocumentKey(t *testing.T) {
	key := NewDocumentKey("getThing", 42)
	assert.Equal(t, key.Fn, "getThing")
	assert.Equal(t, key.DocId, int64(42))
	assert.Equal(t, key.String(), "getThing:42")

	// collection-style documents use instance id 0
	collectionKey := NewDocumentKey("getPosts", 0)
	assert.Equal(t, collectionKey.String(), "getPosts:0")
	assert.Equal(t, key == NewDocumentKey("getThing", 42), true)
}
