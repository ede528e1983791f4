// Copyright (c) 2021 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package chaperrors_test

import (
	"errors"
	"testing"

	. "gopkg.in/check.v1"

	"github.com/garywiz/chaperone/internal/chaperrors"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (s *S) TestParameterfFormatsAndIsDistinguishable(c *C) {
	err := chaperrors.Parameterf("bad value %q", "x")
	c.Assert(err.Error(), Equals, `bad value "x"`)

	var target *chaperrors.ParameterError
	c.Assert(errors.As(error(err), &target), Equals, true)

	var notFound *chaperrors.NotFoundError
	c.Assert(errors.As(error(err), &notFound), Equals, false)
}

func (s *S) TestSystemfCarriesErrno(c *C) {
	err := chaperrors.Systemf(17, "cannot bind %s", "/dev/log")
	c.Assert(err.Errno, Equals, 17)
	c.Assert(err.Error(), Equals, "cannot bind /dev/log")
}

func (s *S) TestEachKindWrapsDistinctly(c *C) {
	kinds := []error{
		chaperrors.Parameterf("p"),
		chaperrors.NotFoundf("n"),
		chaperrors.Processf("pr"),
		chaperrors.Variablef("v"),
		chaperrors.Systemf(1, "s"),
	}
	for _, err := range kinds {
		c.Assert(err, NotNil)
		c.Assert(err.Error() != "", Equals, true)
	}
}
