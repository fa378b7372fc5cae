package linkgen

import (
	"bytes"
	"context"
	"testing"

	"affiliate-bot/internal/store"
	"affiliate-bot/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeChecker имитирует проверку занятости кода
type fakeChecker struct {
	taken map[string]bool
}

func (f *fakeChecker) GetByCode(_ context.Context, code string) (*models.Affiliate, error) {
	if f.taken[code] {
		return &models.Affiliate{LinkCode: code}, nil
	}
	return nil, store.ErrNotFound
}

func TestGenerate(t *testing.T) {
	checker := &fakeChecker{taken: map[string]bool{}}
	gen := NewGenerator(checker, 10, zap.NewNop())

	code, err := gen.Generate(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, code)
	// 16 байт в base32 без паддинга — 26 символов
	assert.Len(t, code, 26)
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	// Два одинаковых блока энтропии, затем отличающийся
	entropy := bytes.Repeat([]byte{0xAA}, codeBytes*2)
	entropy = append(entropy, bytes.Repeat([]byte{0xBB}, codeBytes)...)

	checker := &fakeChecker{taken: map[string]bool{}}
	gen := NewGenerator(checker, 10, zap.NewNop()).WithRand(bytes.NewReader(entropy))

	first, err := gen.Generate(context.Background())
	require.NoError(t, err)

	// Первый код занят: генератор обязан перегенерировать
	checker.taken[first] = true

	second, err := gen.Generate(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGenerateExhaustsAttempts(t *testing.T) {
	// Источник случайности выдает один и тот же занятый код
	entropy := bytes.Repeat([]byte{0x01}, codeBytes*3)
	checker := &fakeChecker{taken: map[string]bool{}}
	gen := NewGenerator(checker, 3, zap.NewNop()).WithRand(bytes.NewReader(entropy))

	code, err := gen.newCode()
	require.NoError(t, err)
	checker.taken[code] = true
	gen = gen.WithRand(bytes.NewReader(bytes.Repeat([]byte{0x01}, codeBytes*3)))

	_, err = gen.Generate(context.Background())
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name     string
		link     string
		expected string
	}{
		{
			name:     "стандартная пригласительная ссылка",
			link:     "https://t.me/+AbCdEf123456",
			expected: "AbCdEf123456",
		},
		{
			name:     "ссылка joinchat",
			link:     "https://t.me/joinchat/XyZ987",
			expected: "XyZ987",
		},
		{
			name:     "голый код без URL",
			link:     "PLAINCODE",
			expected: "PLAINCODE",
		},
		{
			name:     "ссылка со слешем на конце",
			link:     "https://t.me/+QwErTy/",
			expected: "QwErTy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractCode(tt.link))
		})
	}
}
