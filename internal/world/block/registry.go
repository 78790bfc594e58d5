package block

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BlockID представляет идентификатор блока
type BlockID uint16

// Константы ID блоков стандартного набора
const (
	AirBlockID   BlockID = iota // 0, всегда воздух
	StoneBlockID                // 1
	GrassBlockID                // 2
	DirtBlockID                 // 3
	SandBlockID                 // 4
	WaterBlockID                // 5
	GlassBlockID                // 6
)

// Descriptor описывает поведение типа блока.
// Поведение задаётся данными, а не интерфейсами: решение принимается один раз при загрузке контента.
type Descriptor struct {
	ID          BlockID `yaml:"-"`
	Name        string  `yaml:"name"`
	Solid       bool    `yaml:"solid"`       // участвует в столкновениях
	Opaque      bool    `yaml:"opaque"`      // закрывает соседние грани при мешинге
	Replaceable bool    `yaml:"replaceable"` // можно поставить блок поверх
}

// ErrUnknownBlock возвращается при обращении к незарегистрированному ID
var ErrUnknownBlock = errors.New("unknown block id")

// Registry таблица дескрипторов, индексируемая по BlockID.
// После построения только читается, поэтому безопасна для воркеров.
type Registry struct {
	descriptors []Descriptor
	byName      map[string]BlockID
}

// NewRegistry создаёт реестр, в котором воздух уже зарегистрирован под ID 0
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]BlockID)}
	r.mustAdd(Descriptor{Name: "air", Replaceable: true})
	return r
}

// Register добавляет новый тип блока и возвращает назначенный ID
func (r *Registry) Register(d Descriptor) (BlockID, error) {
	if d.Name == "" {
		return 0, fmt.Errorf("block descriptor without name")
	}
	if _, exists := r.byName[d.Name]; exists {
		return 0, fmt.Errorf("block %q already registered", d.Name)
	}
	if len(r.descriptors) > int(^BlockID(0)) {
		return 0, fmt.Errorf("block registry is full")
	}
	return r.mustAdd(d), nil
}

func (r *Registry) mustAdd(d Descriptor) BlockID {
	d.ID = BlockID(len(r.descriptors))
	r.descriptors = append(r.descriptors, d)
	r.byName[d.Name] = d.ID
	return d.ID
}

// Get возвращает дескриптор для указанного ID
func (r *Registry) Get(id BlockID) (Descriptor, bool) {
	if int(id) >= len(r.descriptors) {
		return Descriptor{}, false
	}
	return r.descriptors[id], true
}

// Lookup ищет ID по имени блока
func (r *Registry) Lookup(name string) (BlockID, bool) {
	id, ok := r.byName[name]
	return id, ok
}

// IsSolid неизвестные блоки считаются твёрдыми
func (r *Registry) IsSolid(id BlockID) bool {
	if int(id) >= len(r.descriptors) {
		return true
	}
	return r.descriptors[id].Solid
}

// IsOpaque неизвестные блоки считаются непрозрачными
func (r *Registry) IsOpaque(id BlockID) bool {
	if int(id) >= len(r.descriptors) {
		return true
	}
	return r.descriptors[id].Opaque
}

// IsReplaceable проверяет, можно ли поставить блок на место данного
func (r *Registry) IsReplaceable(id BlockID) bool {
	if int(id) >= len(r.descriptors) {
		return false
	}
	return r.descriptors[id].Replaceable
}

// Len количество зарегистрированных типов
func (r *Registry) Len() int {
	return len(r.descriptors)
}

// DefaultRegistry стандартный набор блоков; ID совпадают с константами выше
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.mustAdd(Descriptor{Name: "stone", Solid: true, Opaque: true})
	r.mustAdd(Descriptor{Name: "grass", Solid: true, Opaque: true})
	r.mustAdd(Descriptor{Name: "dirt", Solid: true, Opaque: true})
	r.mustAdd(Descriptor{Name: "sand", Solid: true, Opaque: true})
	r.mustAdd(Descriptor{Name: "water", Replaceable: true})
	r.mustAdd(Descriptor{Name: "glass", Solid: true})
	return r
}

// contentFile формат YAML файла с описанием блоков
type contentFile struct {
	Blocks []Descriptor `yaml:"blocks"`
}

// ParseRegistry строит реестр из YAML; порядок в файле задаёт ID начиная с 1
func ParseRegistry(data []byte) (*Registry, error) {
	var content contentFile
	if err := yaml.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("ошибка разбора описания блоков: %w", err)
	}

	r := NewRegistry()
	for _, d := range content.Blocks {
		if d.Name == "air" {
			continue
		}
		if _, err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRegistry читает описание блоков из файла
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return ParseRegistry(data)
}
