package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/annel0/blockverse/internal/vec"
)

// Имена спанов хранилища чанков
const (
	SpanChunkLoad = "chunk.load"
	SpanChunkSave = "chunk.save"
)

// Атрибуты спанов мира
const (
	AttrChunkX      = attribute.Key("blockverse.chunk.x")
	AttrChunkY      = attribute.Key("blockverse.chunk.y")
	AttrChunkZ      = attribute.Key("blockverse.chunk.z")
	AttrChunkSource = attribute.Key("blockverse.chunk.source") // persistence | generator
	AttrChunkReason = attribute.Key("blockverse.chunk.reason") // flush | unload
	AttrWorldSeed   = attribute.Key("blockverse.world.seed")
)

// Tracer трассировщик компонента из глобального провайдера
func Tracer(component string) trace.Tracer {
	return otel.Tracer("blockverse/" + component)
}

// ChunkAttributes координаты чанка для спана
func ChunkAttributes(coord vec.ChunkCoord) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrChunkX.Int(int(coord.X)),
		AttrChunkY.Int(int(coord.Y)),
		AttrChunkZ.Int(int(coord.Z)),
	}
}
