package domain

import "evalorch.io/internal/enginerr"

var errInvalidTransition = enginerr.ErrInvalidTransition
