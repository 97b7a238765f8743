package dex

import "errors"

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrOrderExpired       = errors.New("order expired")
	ErrOrderClosed        = errors.New("order closed")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidAsset       = errors.New("invalid asset")
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	ErrReentrantCall      = errors.New("reentrant call on order being settled")
)
