package result

import "testing"

func TestOkIsOk(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatalf("expected Ok result")
	}
	if r.Value() != 42 {
		t.Errorf("got %d, want 42", r.Value())
	}
}

func TestErrIsErr(t *testing.T) {
	e := New(CategoryValidation, "BAD_INPUT", "input is empty")
	r := Err[int](e)
	if !r.IsErr() || r.IsOk() {
		t.Fatalf("expected Err result")
	}
	if r.Error() != e {
		t.Errorf("expected same error pointer")
	}
}

func TestUnwrapSuccess(t *testing.T) {
	v, err := Ok("hi").Unwrap()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hi" {
		t.Errorf("got %q, want %q", v, "hi")
	}
}

func TestUnwrapFailure(t *testing.T) {
	want := New(CategorySystem, "X", "boom")
	_, err := Err[string](want).Unwrap()
	if err != want {
		t.Errorf("expected the same error to come back through Unwrap")
	}
}

func TestMapTransformsOkValue(t *testing.T) {
	r := Map(Ok(2), func(i int) int { return i * 10 })
	if r.Value() != 20 {
		t.Errorf("got %d, want 20", r.Value())
	}
}

func TestMapPassesThroughError(t *testing.T) {
	e := New(CategoryBusiness, "X", "nope")
	r := Map(Err[int](e), func(i int) int { return i * 10 })
	if !r.IsErr() || r.Error() != e {
		t.Errorf("expected original error to pass through Map")
	}
}

func TestWithContextDoesNotMutateReceiver(t *testing.T) {
	base := New(CategoryNetwork, "ECONNREFUSED", "connection refused")
	derived := base.WithContext("attempt", 2)
	if _, ok := base.Context["attempt"]; ok {
		t.Errorf("WithContext must not mutate the receiver")
	}
	if derived.Context["attempt"] != 2 {
		t.Errorf("expected derived error to carry the new context key")
	}
}

func TestErrorStringFormat(t *testing.T) {
	e := New(CategoryTimeout, "TIMEOUT", "deadline exceeded")
	got := e.Error()
	want := "TIMEOUT: deadline exceeded"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFromPanicPreservesOrigin(t *testing.T) {
	e := FromPanic("index out of range")
	if e.Category != CategorySystem {
		t.Errorf("expected SYSTEM category")
	}
	if e.Context["origin"] != "index out of range" {
		t.Errorf("expected origin to be preserved in context")
	}
}
