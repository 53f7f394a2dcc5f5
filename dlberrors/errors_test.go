package dlberrors

import (
	"errors"
	"testing"

	"github.com/shoenig/test/must"
)

func TestCode_Failed(t *testing.T) {
	must.False(t, SUCCESS.Failed())
	must.False(t, NOTED.Failed())
	must.False(t, NOUPDT.Failed())
	must.True(t, PERM.Failed())
	must.True(t, NOSHMEM.Failed())
	must.True(t, TIMEOUT.Failed())
}

func TestCode_Error(t *testing.T) {
	var err error = PERM
	must.EqError(t, err, "PERM")
}

func TestWrap(t *testing.T) {
	must.Nil(t, Wrap(SUCCESS))
	must.NotNil(t, Wrap(PERM))
	must.EqError(t, Wrap(NOPROC), "NOPROC")
}

func TestOf(t *testing.T) {
	c, ok := Of(PERM)
	must.True(t, ok)
	must.Eq(t, PERM, c)

	c, ok = Of(nil)
	must.True(t, ok)
	must.Eq(t, SUCCESS, c)

	_, ok = Of(errors.New("not a dlb code"))
	must.False(t, ok)
}
