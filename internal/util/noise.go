package util

import (
	"github.com/aquilax/go-perlin"
)

// Noise генератор шума Перлина с собственным сидом.
// После создания только читается, поэтому его можно использовать из нескольких воркеров.
type Noise struct {
	perlin *perlin.Perlin
}

// NewNoise создаёт генератор шума Перлина с указанным сидом
func NewNoise(seed int64) *Noise {
	alpha := 2.0  // Сглаживание шума
	beta := 2.0   // Частота шума
	n := int32(3) // Количество октав
	return &Noise{perlin: perlin.NewPerlin(alpha, beta, n, seed)}
}

// At2D возвращает значение шума для указанных координат (от 0 до 1)
func (n *Noise) At2D(x, y float64) float64 {
	// Получаем значение шума (от -1 до 1)
	noise := n.perlin.Noise2D(x, y)

	// Преобразуем в диапазон от 0 до 1
	v := (noise + 1.0) / 2.0
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
