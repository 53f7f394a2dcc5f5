package idset

import (
	"testing"

	"github.com/shoenig/test/must"
)

func Test_Parse(t *testing.T) {
	cases := []struct {
		input string
		exp   []uint16
	}{
		{input: "0", exp: []uint16{0}},
		{input: "1,3,5,9", exp: []uint16{1, 3, 5, 9}},
		{input: "1-2", exp: []uint16{1, 2}},
		{input: "3-6", exp: []uint16{3, 4, 5, 6}},
		{input: "1,3-5,9,11-14", exp: []uint16{1, 3, 4, 5, 9, 11, 12, 13, 14}},
		{input: " 4-2 , 9-9 , 11-7\n", exp: []uint16{2, 3, 4, 7, 8, 9, 10, 11}},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			result := Parse[uint16](tc.input).Slice()
			must.SliceContainsAll(t, tc.exp, result, must.Sprint("got", result))
		})
	}
}

func Test_String(t *testing.T) {
	cases := []struct {
		input string
		exp   string
	}{
		{input: "0", exp: "0"},
		{input: "1-3", exp: "1-3"},
		{input: "1, 2, 3", exp: "1-3"},
		{input: "7, 1-3, 12-9", exp: "1-3,7,9-12"},
	}

	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			result := Parse[uint16](tc.input)
			must.Eq(t, tc.exp, result.String(), must.Sprint("slice", result.Slice()))
		})
	}
}

func Test_SetOps(t *testing.T) {
	a := From[uint16]([]uint16{0, 1, 2, 3})
	b := From[uint16]([]uint16{2, 3, 4, 5})

	must.Eq(t, "0-5", a.Union(b).String())
	must.Eq(t, "2-3", a.Intersect(b).String())
	must.Eq(t, "0-1", a.Difference(b).String())
	must.True(t, a.Contains(2))
	must.False(t, a.Contains(9))
	must.Eq(t, 4, a.Size())

	c := a.Copy()
	c.Remove(0)
	must.Eq(t, "1-3", c.String())
	must.Eq(t, "0-3", a.String(), must.Sprint("original set must be untouched by copy mutation"))

	must.True(t, Empty[uint16]().IsEmpty())
	must.False(t, a.Equal(b))
	must.True(t, a.Equal(a.Copy()))
}

func Test_Bitset_RoundTrip(t *testing.T) {
	s := From[uint16]([]uint16{0, 3, 4, 9})
	buf := s.EncodeBitset(12)
	must.Eq(t, 2, len(buf)) // ceil(12/8) == 2

	got := DecodeBitset[uint16](buf)
	must.True(t, s.Equal(got))
}

func Test_Bitset_IgnoresOutOfRange(t *testing.T) {
	s := From[uint16]([]uint16{1, 40})
	buf := s.EncodeBitset(8) // only bit 1 fits in ceil(8/8) == 1 byte

	got := DecodeBitset[uint16](buf)
	must.Eq(t, "1", got.String())
}
