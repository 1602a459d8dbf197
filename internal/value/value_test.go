package value

import "testing"

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name string
		got  Value
		want Value
	}{
		{"int add", Add(Int(40), Int(2)), Int(42)},
		{"float add", Add(Float(1.5), Float(2.5)), Float(4)},
		{"mixed add promotes to float", Add(Int(1), Float(0.5)), Float(1.5)},
		{"string concat", Add(String("foo"), String("bar")), String("foobar")},
		{"int div truncates", Div(Int(7), Int(2)), Int(3)},
		{"int div by zero is nil", Div(Int(1), Int(0)), Nil},
		{"mod follows divisor sign", Mod(Int(-7), Int(3)), Int(2)},
		{"neg int", Neg(Int(5)), Int(-5)},
		{"mismatched kinds are nil", Add(Bool(true), Int(1)), Nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if !Equal(c.got, c.want) {
				t.Fatalf("got %v, want %v", c.got, c.want)
			}
		})
	}
}

func TestEqual(t *testing.T) {
	if !Equal(Int(3), Float(3)) {
		t.Fatal("cross-numeric-kind equality should hold")
	}
	if Equal(String("a"), String("b")) {
		t.Fatal("different strings should not compare equal")
	}
	if !Equal(Array(7), Array(7)) {
		t.Fatal("same heap id should compare equal")
	}
	if Equal(Array(7), Table(7)) {
		t.Fatal("different kinds with the same id should not compare equal")
	}
}

func TestLess(t *testing.T) {
	if r, ok := Less(Int(1), Int(2)); !ok || !r {
		t.Fatalf("1 < 2 should hold, got (%v, %v)", r, ok)
	}
	if r, ok := Less(String("a"), String("b")); !ok || !r {
		t.Fatalf("\"a\" < \"b\" should hold, got (%v, %v)", r, ok)
	}
	if _, ok := Less(Bool(true), Bool(false)); ok {
		t.Fatal("bool ordering should be unsupported")
	}
}

func TestIsTruthy(t *testing.T) {
	falsy := []Value{Nil, None(), Bool(false), Int(0), Float(0), String("")}
	for _, v := range falsy {
		if IsTruthy(v) {
			t.Errorf("%v should be falsy", v)
		}
	}
	truthy := []Value{Bool(true), Int(1), Float(0.1), String("x"), Array(1)}
	for _, v := range truthy {
		if !IsTruthy(v) {
			t.Errorf("%v should be truthy", v)
		}
	}
}

func TestSumTypesUnbox(t *testing.T) {
	some := Some(Int(9))
	if some.Kind() != KindSome {
		t.Fatalf("expected KindSome, got %v", some.Kind())
	}
	if !Equal(some.Unbox(), Int(9)) {
		t.Fatalf("Unbox should return the boxed payload")
	}

	errVal := Err(String("boom"))
	if errVal.Unbox().AsString() != "boom" {
		t.Fatalf("Err should box its payload by value")
	}
}

func TestStringFormatting(t *testing.T) {
	cases := map[string]Value{
		"nil":        Nil,
		"42":         Int(42),
		"3.0":        Float(3),
		"hello":      String("hello"),
		"Some(1)":    Some(Int(1)),
		"<array #5>": Array(5),
	}
	for want, v := range cases {
		if got := v.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestZeroValueIsNil(t *testing.T) {
	var v Value
	if v.Kind() != KindNil || !v.IsNil() {
		t.Fatalf("zero Value must be Nil, got kind %v", v.Kind())
	}
}
