package linkgen

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"

	"go.uber.org/zap"
)

// codeBytes — 16 байт энтропии, 128 бит на код
const codeBytes = 16

// codeEncoding — base32 без паддинга, компактный алфавитно-цифровой токен
var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrAttemptsExhausted возвращается, когда не удалось получить свободный код.
// При 128 битах энтропии это практически невозможно и указывает на
// неисправность источника случайности, а не на занятость кодов.
var ErrAttemptsExhausted = errors.New("исчерпаны попытки генерации кода")

// CodeChecker проверяет занятость кода в хранилище
type CodeChecker interface {
	GetByCode(ctx context.Context, linkCode string) (*models.Affiliate, error)
}

// Generator генерирует уникальные коды пригласительных ссылок.
// Чистая функция источника случайности: собственного состояния нет.
type Generator struct {
	checker     CodeChecker
	rand        io.Reader
	maxAttempts int
	logger      *zap.Logger
}

// NewGenerator создает новый генератор кодов
func NewGenerator(checker CodeChecker, maxAttempts int, logger *zap.Logger) *Generator {
	return &Generator{
		checker:     checker,
		rand:        rand.Reader,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// WithRand заменяет источник случайности (для тестов)
func (g *Generator) WithRand(r io.Reader) *Generator {
	g.rand = r
	return g
}

// Generate возвращает свободный код, повторяя генерацию при коллизии
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code, err := g.newCode()
		if err != nil {
			return "", fmt.Errorf("ошибка генерации кода: %w", err)
		}

		_, err = g.checker.GetByCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("ошибка проверки кода: %w", err)
		}

		g.logger.Warn("сгенерированный код уже существует, пробуем снова",
			zap.String("code", code),
			zap.Int("attempt", attempt+1))
	}

	return "", ErrAttemptsExhausted
}

// newCode читает энтропию и кодирует ее в компактный токен
func (g *Generator) newCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", err
	}
	return codeEncoding.EncodeToString(buf), nil
}

// ExtractCode выделяет код из пригласительной ссылки.
// Для строки без URL-структуры возвращает ее саму.
func ExtractCode(inviteLink string) string {
	parsed, err := url.Parse(inviteLink)
	if err != nil {
		return inviteLink
	}

	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return inviteLink
	}

	parts := strings.Split(path, "/")
	code := parts[len(parts)-1]
	return strings.TrimPrefix(code, "+")
}
