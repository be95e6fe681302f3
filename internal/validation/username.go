// Package validation проверяет имена пользователей и пароли. Имя
// пользователя становится именем каталога данных на диске, поэтому
// формат ограничен жёстко.
package validation

import (
	"fmt"
	"regexp"
)

// UsernamePattern допустимый формат имени: латинские буквы, цифры,
// точка, дефис и нижнее подчёркивание, без ведущей точки. Длина 3-64.
var UsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{2,63}$`)

const (
	// MinUsernameLen минимальная длина имени
	MinUsernameLen = 3
	// MaxUsernameLen максимальная длина имени
	MaxUsernameLen = 64
	// MinPasswordLen минимальная длина пароля
	MinPasswordLen = 8
)

// ValidateUsername проверяет формат имени пользователя. Символы пути и
// ведущие точки запрещены: имя используется как каталог данных.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}

	if len(username) < MinUsernameLen {
		return fmt.Errorf("username must be at least %d characters long", MinUsernameLen)
	}

	if len(username) > MaxUsernameLen {
		return fmt.Errorf("username must not exceed %d characters", MaxUsernameLen)
	}

	if !UsernamePattern.MatchString(username) {
		return fmt.Errorf("username can only contain letters, numbers, dots, dashes and underscores")
	}

	return nil
}

// ValidatePassword проверяет минимальные требования к паролю.
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	if len(password) < MinPasswordLen {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLen)
	}

	return nil
}
