package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/annel0/blockverse/internal/world/block"
)

// Размеры игрока и досягаемость
const (
	PlayerWidth  = 0.8
	PlayerHeight = 1.8
	CameraHeight = 1.6
	Reach        = 10.0
)

// Action битовые флаги действий ввода
type Action uint8

const (
	ActionJump Action = 1 << iota
	ActionBreak
	ActionPlace
)

// Has проверяет флаг
func (a Action) Has(flag Action) bool {
	return a&flag != 0
}

// InputCommand ввод одного тика с монотонно растущим номером
type InputCommand struct {
	Sequence uint32
	Forward  float64 // -1..1
	Strafe   float64 // -1..1, положительное — вправо
	Yaw      float64
	Pitch    float64
	Actions  Action
	Block    block.BlockID // блок для ActionPlace
}

// PlayerState состояние игрока; Position — центр нижней грани коробки
type PlayerState struct {
	ID        uint32
	Position  mgl64.Vec3
	Velocity  mgl64.Vec3
	Yaw       float64
	Pitch     float64
	OnGround  bool
	LastInput uint32 // последний применённый номер ввода
}

// Box коробка игрока
func (s PlayerState) Box() AABB {
	half := PlayerWidth / 2
	return AABB{
		Min: mgl64.Vec3{s.Position[0] - half, s.Position[1], s.Position[2] - half},
		Max: mgl64.Vec3{s.Position[0] + half, s.Position[1] + PlayerHeight, s.Position[2] + half},
	}
}

// Eye позиция камеры игрока
func (s PlayerState) Eye() mgl64.Vec3 {
	return s.Position.Add(mgl64.Vec3{0, CameraHeight, 0})
}

// LookDirection направление взгляда: yaw=0 смотрит в -Z, положительный pitch — вверх
func LookDirection(yaw, pitch float64) mgl64.Vec3 {
	cp := math.Cos(pitch)
	return mgl64.Vec3{-math.Sin(yaw) * cp, math.Sin(pitch), -math.Cos(yaw) * cp}
}

// Config параметры движения
type Config struct {
	Gravity       float64 // блоков/с²
	JumpSpeed     float64
	WalkSpeed     float64
	TerminalSpeed float64
}

// DefaultConfig значения по умолчанию
func DefaultConfig() Config {
	return Config{
		Gravity:       25,
		JumpSpeed:     8,
		WalkSpeed:     5,
		TerminalSpeed: 50,
	}
}

// Engine интегрирует движение игроков. Результат Step побитово одинаков на
// клиенте и сервере при одинаковых данных: только + - * /, Floor/Ceil/Sin/Cos и
// явные преобразования float64 в точках округления.
type Engine struct {
	cfg Config
}

// NewEngine создаёт движок с параметрами
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config возвращает параметры движка
func (e *Engine) Config() Config {
	return e.cfg
}

// Step продвигает состояние на один тик длительностью dt секунд
func (e *Engine) Step(q SolidQuery, s PlayerState, in InputCommand, dt float64) PlayerState {
	s.Yaw = in.Yaw
	s.Pitch = in.Pitch

	// Горизонтальная скорость задаётся вводом напрямую
	forward, strafe := clampAxis(in.Forward), clampAxis(in.Strafe)
	sin, cos := math.Sin(in.Yaw), math.Cos(in.Yaw)
	mx := float64(-sin*forward) + float64(cos*strafe)
	mz := float64(-cos*forward) - float64(sin*strafe)
	if l2 := float64(mx*mx) + float64(mz*mz); l2 > 1 {
		l := math.Sqrt(l2)
		mx, mz = mx/l, mz/l
	}
	s.Velocity[0] = float64(mx * e.cfg.WalkSpeed)
	s.Velocity[2] = float64(mz * e.cfg.WalkSpeed)

	if in.Actions.Has(ActionJump) && s.OnGround {
		s.Velocity[1] = e.cfg.JumpSpeed
	}

	s.Velocity[1] = float64(s.Velocity[1] - float64(e.cfg.Gravity*dt))
	if s.Velocity[1] < -e.cfg.TerminalSpeed {
		s.Velocity[1] = -e.cfg.TerminalSpeed
	}

	// Раздельный проход по осям позволяет скользить вдоль стен
	s.OnGround = false
	for _, axis := range [3]int{0, 1, 2} {
		delta := float64(s.Velocity[axis] * dt)
		moved, hit := SweepAxis(q, s.Box(), axis, delta)
		s.Position[axis] = float64(s.Position[axis] + moved)
		if hit {
			if axis == 1 && delta < 0 {
				s.OnGround = true
			}
			s.Velocity[axis] = 0
		}
	}

	s.LastInput = in.Sequence
	return s
}

func clampAxis(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	if math.IsNaN(v) {
		return 0
	}
	return v
}
