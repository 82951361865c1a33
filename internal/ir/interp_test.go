package ir

import (
	"errors"
	"testing"
)

func TestInterpretSum(t *testing.T) {
	m, f, _ := buildSum(t)
	for _, n := range []int{1, 2, 10, 1000} {
		data := make([]int64, n)
		for i := range data {
			data[i] = int64(i)
		}
		got, err := Interpret(m, f, data, int64(n))
		if err != nil {
			t.Fatalf("Interpret(%d): %v", n, err)
		}
		if want := int64(n * (n - 1) / 2); got != want {
			t.Fatalf("Interpret(%d)=%d, want %d", n, got, want)
		}
	}
}

func TestInterpretZeroCountNullPointer(t *testing.T) {
	m, f, _ := buildSum(t)
	got, err := Interpret(m, f, []int64(nil), int64(0))
	if err != nil || got != 0 {
		t.Fatalf("Interpret(nil, 0)=%d, %v", got, err)
	}
}

func TestInterpretDetectsOutOfBounds(t *testing.T) {
	m, f, _ := buildSum(t)
	_, err := Interpret(m, f, []int64{1, 2}, int64(3))
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Interpret past the end=%v, want ErrOutOfBounds", err)
	}
}

func TestInterpretStepLimit(t *testing.T) {
	m, f, _ := buildSum(t)
	in := NewInterpreter(m)
	in.StepLimit = 10
	if _, err := in.Run(f, make([]int64, 100), int64(100)); err == nil {
		t.Fatalf("step limit not enforced")
	}
}
