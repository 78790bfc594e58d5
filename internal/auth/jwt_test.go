package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestIssueToken тестирует создание JWT токена
func TestIssueToken(t *testing.T) {
	authority, err := NewTokenAuthority("test-secret", "blockverse", time.Hour)
	if err != nil {
		t.Fatalf("Ошибка создания центра: %v", err)
	}

	token, err := authority.IssueToken("alice")
	if err != nil {
		t.Fatalf("Ошибка генерации JWT: %v", err)
	}

	// Проверяем, что токен содержит точки (разделители частей JWT)
	if strings.Count(token, ".") != 2 {
		t.Errorf("Неверный формат JWT токена: %s", token)
	}

	if _, err := authority.IssueToken(""); err == nil {
		t.Error("Токен для пустого имени не должен выпускаться")
	}
}

// TestVerifyToken тестирует полный жизненный цикл токена
func TestVerifyToken(t *testing.T) {
	authority, _ := NewTokenAuthority("test-secret", "blockverse", time.Hour)

	token, err := authority.IssueToken("bob")
	if err != nil {
		t.Fatalf("Ошибка генерации JWT: %v", err)
	}

	name, err := authority.VerifyToken(token)
	if err != nil {
		t.Fatalf("Валидный токен определен как недействительный: %v", err)
	}
	if name != "bob" {
		t.Errorf("Неверное имя: ожидалось bob, получено %s", name)
	}
}

// TestVerifyInvalidToken тестирует валидацию недействительных токенов
func TestVerifyInvalidToken(t *testing.T) {
	authority, _ := NewTokenAuthority("test-secret", "blockverse", time.Hour)
	other, _ := NewTokenAuthority("other-secret", "blockverse", time.Hour)
	foreign, _ := other.IssueToken("mallory")

	wrongIssuer, _ := NewTokenAuthority("test-secret", "elsewhere", time.Hour)
	wrongIssuerToken, _ := wrongIssuer.IssueToken("eve")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Name: "root"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	testCases := []string{
		"invalid.token.here",
		"",
		"not.a.jwt",
		foreign,
		wrongIssuerToken,
		unsigned,
	}

	for _, invalidToken := range testCases {
		name, err := authority.VerifyToken(invalidToken)
		if err == nil {
			t.Errorf("Недействительный токен '%s' прошел валидацию", invalidToken)
		}
		if name != "" {
			t.Errorf("Имя должно быть пустым для недействительного токена, получено %s", name)
		}
	}
}

// TestExpiredToken проверяет срок действия
func TestExpiredToken(t *testing.T) {
	authority, _ := NewTokenAuthority("test-secret", "blockverse", time.Minute)
	issued := time.Now().Add(-time.Hour)
	authority.now = func() time.Time { return issued }

	token, err := authority.IssueToken("late")
	if err != nil {
		t.Fatalf("Ошибка генерации JWT: %v", err)
	}

	authority.now = time.Now
	if _, err := authority.VerifyToken(token); err == nil {
		t.Error("Просроченный токен прошел валидацию")
	}
}

// TestEmptySecretRejected тестирует конфигурацию без секрета
func TestEmptySecretRejected(t *testing.T) {
	if _, err := NewTokenAuthority("", "blockverse", time.Hour); err != ErrEmptySecret {
		t.Errorf("Ожидалась ErrEmptySecret, получено %v", err)
	}
}

// TestGenerateSecureSecret тестирует генерацию секретного ключа
func TestGenerateSecureSecret(t *testing.T) {
	secret1, err1 := GenerateSecureSecret()
	if err1 != nil {
		t.Fatalf("Ошибка генерации первого секрета: %v", err1)
	}

	secret2, err2 := GenerateSecureSecret()
	if err2 != nil {
		t.Fatalf("Ошибка генерации второго секрета: %v", err2)
	}

	// Проверяем, что секреты разные
	if secret1 == secret2 {
		t.Error("Два последовательных вызова GenerateSecureSecret вернули одинаковый результат")
	}

	// Проверяем минимальную длину (base64 от 32 байт = ~44 символа)
	if len(secret1) < 40 || len(secret2) < 40 {
		t.Error("Секрет слишком короткий")
	}
}
