package tnt

import (
	"errors"
	"math"
	"testing"
)

func TestScalar_Getters(t *testing.T) {
	if v, err := Int64Value(-5).Int64(); err != nil || v != -5 {
		t.Fatalf("Int64 = (%v, %v), wanted (-5, nil)", v, err)
	}
	if v, err := Uint64Value(math.MaxUint64).Uint64(); err != nil || v != math.MaxUint64 {
		t.Fatalf("Uint64 = (%v, %v), wanted (MaxUint64, nil)", v, err)
	}
	if v, err := StringValue("hi").Str(); err != nil || v != "hi" {
		t.Fatalf("Str = (%q, %v), wanted (hi, nil)", v, err)
	}
	if v, err := BoolValue(true).Bool(); err != nil || !v {
		t.Fatalf("Bool = (%v, %v), wanted (true, nil)", v, err)
	}
	if v, err := Float32Value(1.5).Float32(); err != nil || v != 1.5 {
		t.Fatalf("Float32 = (%v, %v), wanted (1.5, nil)", v, err)
	}
	if v, err := Float64Value(-2.25).Float64(); err != nil || v != -2.25 {
		t.Fatalf("Float64 = (%v, %v), wanted (-2.25, nil)", v, err)
	}
	if !Null().IsNull() || Int64Value(0).IsNull() {
		t.Fatalf("IsNull is wrong")
	}
}

func TestScalar_TypeMismatch(t *testing.T) {
	checks := []struct {
		name string
		err  error
	}{
		{"Int64 of uint64", second(Uint64Value(1).Int64())},
		{"Uint64 of int64", second(Int64Value(1).Uint64())},
		{"Bytes of bool", second(BoolValue(true).Bytes())},
		{"Str of null", second(Null().Str())},
		{"Bool of int64", second(Int64Value(1).Bool())},
		{"Float32 of float64", second(Float64Value(1).Float32())},
		{"Float64 of float32", second(Float32Value(1).Float64())},
		{"Int64 of zero value", second(Scalar{}.Int64())},
	}
	for _, c := range checks {
		if !errors.Is(c.err, ErrTypeMismatch) {
			t.Errorf("%s: err = %v, wanted ErrTypeMismatch", c.name, c.err)
		}
	}
}

func TestScalar_Lenient(t *testing.T) {
	if v, err := Uint64Value(42).AsInt64(); err != nil || v != 42 {
		t.Fatalf("AsInt64(uint64 42) = (%v, %v), wanted (42, nil)", v, err)
	}
	if v, err := Int64Value(-42).AsInt64(); err != nil || v != -42 {
		t.Fatalf("AsInt64(int64 -42) = (%v, %v), wanted (-42, nil)", v, err)
	}
	if _, err := Uint64Value(math.MaxInt64 + 1).AsInt64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("AsInt64(MaxInt64+1) err = %v, wanted ErrTypeMismatch", err)
	}
	if _, err := StringValue("1").AsInt64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("AsInt64(string) err = %v, wanted ErrTypeMismatch", err)
	}
	if v, err := Float32Value(0.5).AsFloat64(); err != nil || v != 0.5 {
		t.Fatalf("AsFloat64(float32 0.5) = (%v, %v), wanted (0.5, nil)", v, err)
	}
	if _, err := Int64Value(1).AsFloat64(); !errors.Is(err, ErrTypeMismatch) {
		t.Fatalf("AsFloat64(int64) err = %v, wanted ErrTypeMismatch", err)
	}
}

func TestScalar_BytesValueCopies(t *testing.T) {
	src := []byte("abc")
	v := BytesValue(src)
	src[0] = 'X'
	deepEqual(t, string(must(v.Bytes())), "abc")

	if b := must(BytesValue(nil).Bytes()); b == nil || len(b) != 0 {
		t.Fatalf("BytesValue(nil).Bytes() = %#v, wanted empty non-nil", b)
	}
}

func TestScalar_EqualAndString(t *testing.T) {
	tests := []struct {
		v    Scalar
		want string
	}{
		{Int64Value(-7), "-7"},
		{Uint64Value(7), "7"},
		{StringValue("a\"b"), `"a\"b"`},
		{BoolValue(false), "false"},
		{Float32Value(0.25), "0.25"},
		{Float64Value(1e100), "1e+100"},
		{Null(), "null"},
		{Scalar{}, "<invalid>"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, wanted %q", got, tt.want)
		}
		if !tt.v.Equal(tt.v) {
			t.Errorf("%v is not equal to itself", tt.v)
		}
	}
	if Int64Value(7).Equal(Uint64Value(7)) {
		t.Errorf("Int64Value(7) equals Uint64Value(7)")
	}
	if StringValue("a").Equal(StringValue("b")) {
		t.Errorf(`"a" equals "b"`)
	}
	deepEqual(t, KindFloat32.String(), "float32")
	deepEqual(t, Kind(99).String(), "Kind(99)")
}

func TestRow_Field(t *testing.T) {
	row := Row{Uint64Value(1), StringValue("x")}
	deepEqual(t, row.FieldCount(), 2)
	if v, err := row.Field(1); err != nil || !v.Equal(StringValue("x")) {
		t.Fatalf("Field(1) = (%v, %v), wanted (\"x\", nil)", v, err)
	}
	for _, i := range []int{-1, 2, 100} {
		if _, err := row.Field(i); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Field(%d) err = %v, wanted ErrOutOfRange", i, err)
		}
	}
	deepEqual(t, row.String(), `[1, "x"]`)
	if !row.Equal(Row{Uint64Value(1), StringValue("x")}) || row.Equal(Row{Uint64Value(1)}) {
		t.Fatalf("Row.Equal is wrong")
	}
}

func second[T any](_ T, err error) error {
	return err
}
