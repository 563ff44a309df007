package wire

import (
	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// ProtocolVersion 是本实现的邮箱协议版本，在握手时发送给 arbiter。
const ProtocolVersion = "1.1.0"

// compatible 是 arbiter 接受的对端协议版本范围。
var compatible = mustConstraint("^1.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ErrIncompatible 表示对端协议版本不兼容。
var ErrIncompatible = errors.New("incompatible protocol version")

// CheckVersion 校验对端在握手中声明的协议版本。
func CheckVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return errors.Wrapf(ErrIncompatible, "parse %q: %v", v, err)
	}
	if !compatible.Check(ver) {
		return errors.Wrapf(ErrIncompatible, "%s does not satisfy %s", ver, compatible)
	}
	return nil
}
