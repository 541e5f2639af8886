package smartcharging

import "fmt"

// ErrorKind 配置文件错误类别
type ErrorKind string

const (
	ErrMissingField  ErrorKind = "MissingField"
	ErrInvalidEnum   ErrorKind = "InvalidEnum"
	ErrInvalidShape  ErrorKind = "InvalidShape"
	ErrInvariant     ErrorKind = "InvariantViolation"
	ErrStackConflict ErrorKind = "StackLevelConflict"
)

// ProfileError 配置文件解析/校验错误
type ProfileError struct {
	Kind   ErrorKind
	Path   string
	Detail string
}

// Error 实现error接口
func (e *ProfileError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Detail)
}

func missingField(path string) *ProfileError {
	return &ProfileError{Kind: ErrMissingField, Path: path}
}

func invalidEnum(path string, value interface{}) *ProfileError {
	return &ProfileError{Kind: ErrInvalidEnum, Path: path, Detail: fmt.Sprintf("unexpected value %v", value)}
}

func invalidShape(path, reason string) *ProfileError {
	return &ProfileError{Kind: ErrInvalidShape, Path: path, Detail: reason}
}

func invariantViolation(rule string) *ProfileError {
	return &ProfileError{Kind: ErrInvariant, Detail: rule}
}
