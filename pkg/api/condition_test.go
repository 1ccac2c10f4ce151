package api

import "testing"

func TestOperatorEval_Equality(t *testing.T) {
	if !OpEqual.Eval("vip", "vip") {
		t.Fatalf("expected equal strings to match")
	}
	if OpEqual.Eval("vip", "regular") {
		t.Fatalf("expected different strings not to match")
	}
	// Numeric equality across representations.
	if !OpEqual.Eval(42, "42") {
		t.Fatalf("expected 42 == \"42\"")
	}
	if !OpEqual.Eval(float64(3), 3) {
		t.Fatalf("expected float64(3) == 3")
	}
	if !OpNotEqual.Eval("a", "b") {
		t.Fatalf("expected a != b")
	}
}

func TestOperatorEval_NumericOrdering(t *testing.T) {
	// "9" < "10" must hold numerically, not lexically.
	if !OpLess.Eval("9", "10") {
		t.Fatalf("expected 9 < 10")
	}
	if !OpGreater.Eval(100, "20") {
		t.Fatalf("expected 100 > 20")
	}
	if !OpGreaterEqual.Eval(5, 5) {
		t.Fatalf("expected 5 >= 5")
	}
	if !OpLessEqual.Eval(4.5, 5) {
		t.Fatalf("expected 4.5 <= 5")
	}
}

func TestOperatorEval_StringOrdering(t *testing.T) {
	if !OpLess.Eval("apple", "banana") {
		t.Fatalf("expected apple < banana lexically")
	}
	if OpGreater.Eval("apple", "banana") {
		t.Fatalf("expected apple not > banana")
	}
}

func TestOperatorEval_Substrings(t *testing.T) {
	if !OpContains.Eval("hello world", "world") {
		t.Fatalf("expected contains match")
	}
	if !OpStartsWith.Eval("hello world", "hello") {
		t.Fatalf("expected starts_with match")
	}
	if !OpEndsWith.Eval("hello world", "world") {
		t.Fatalf("expected ends_with match")
	}
	if OpContains.Eval("hello", "world") {
		t.Fatalf("expected no contains match")
	}
}

func TestOperatorEval_ListMembership(t *testing.T) {
	plans := []any{"pro", "enterprise"}
	if !OpIn.Eval("pro", plans) {
		t.Fatalf("expected pro in %v", plans)
	}
	if OpIn.Eval("free", plans) {
		t.Fatalf("expected free not in %v", plans)
	}
	if !OpNotIn.Eval("free", plans) {
		t.Fatalf("expected free not_in %v", plans)
	}
	if OpNotIn.Eval("pro", plans) {
		t.Fatalf("expected pro not not_in %v", plans)
	}
	// Numbers match across representations, as with equality.
	if !OpIn.Eval(7, []any{float64(7), float64(9)}) {
		t.Fatalf("expected 7 in [7 9]")
	}
	if !OpIn.Eval("b", []string{"a", "b"}) {
		t.Fatalf("expected b in string slice")
	}
	// A non-list value contains nothing.
	if OpIn.Eval("pro", "pro") {
		t.Fatalf("expected in against scalar to be false")
	}
	if !OpNotIn.Eval("pro", "pro") {
		t.Fatalf("expected not_in against scalar to be true")
	}
	if !OpIn.Valid() || !OpNotIn.Valid() {
		t.Fatalf("in/not_in must validate")
	}
}

func TestOperatorEval_Unknown(t *testing.T) {
	if Operator("~=").Eval("a", "a") {
		t.Fatalf("unknown operator must evaluate to false")
	}
	if Operator("~=").Valid() {
		t.Fatalf("unknown operator must not validate")
	}
}

func TestStringify_TrimsFloatZeros(t *testing.T) {
	if got := Stringify(float64(42)); got != "42" {
		t.Fatalf("expected \"42\", got %q", got)
	}
	if got := Stringify(4.5); got != "4.5" {
		t.Fatalf("expected \"4.5\", got %q", got)
	}
	if got := Stringify(true); got != "true" {
		t.Fatalf("expected \"true\", got %q", got)
	}
}
