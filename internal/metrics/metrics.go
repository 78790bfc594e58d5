package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blockverse"

// Metrics Prometheus-метрики движка: чанки, мешинг, видимость, сеть, предсказание.
// Все методы безопасны для nil, чтобы компоненты работали без метрик.
type Metrics struct {
	chunksLoaded   prometheus.Gauge
	chunksPending  prometheus.Gauge
	chunkEvictions prometheus.Counter

	meshBuild    prometheus.Histogram
	meshResults  *prometheus.CounterVec
	meshInFlight prometheus.Gauge

	visibleChunks prometheus.Gauge

	tickDuration    prometheus.Histogram
	connections     *prometheus.GaugeVec
	messages        *prometheus.CounterVec
	malformed       prometheus.Counter
	retransmits     prometheus.Counter
	blockEdits      prometheus.Counter
	reconciliations *prometheus.CounterVec
}

// New создаёт метрики и регистрирует их в reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		chunksLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_loaded",
			Help:      "Количество загруженных чанков.",
		}),
		chunksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunks_pending",
			Help:      "Чанки, ожидающие загрузки или данных по сети.",
		}),
		chunkEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_evictions_total",
			Help:      "Выгруженные по LRU чанки.",
		}),
		meshBuild: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mesh_build_seconds",
			Help:      "Время построения меша одного чанка.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		meshResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_results_total",
			Help:      "Результаты задач мешинга по исходу (applied, stale, unloaded).",
		}, []string{"result"}),
		meshInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mesh_jobs_inflight",
			Help:      "Задачи мешинга в работе.",
		}),
		visibleChunks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "visible_chunks",
			Help:      "Чанки, прошедшие отсечение по пирамиде видимости.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Длительность тика симуляции.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Соединения по состоянию.",
		}, []string{"state"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Сообщения протокола по направлению и типу.",
		}, []string{"direction", "type"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Отброшенные некорректные сообщения.",
		}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Повторные отправки надёжных сообщений.",
		}),
		blockEdits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_edits_total",
			Help:      "Подтверждённые правки блоков.",
		}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Сверки предсказания со снапшотом по исходу (match, mismatch, reset).",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.chunksLoaded, m.chunksPending, m.chunkEvictions,
			m.meshBuild, m.meshResults, m.meshInFlight,
			m.visibleChunks,
			m.tickDuration, m.connections, m.messages, m.malformed,
			m.retransmits, m.blockEdits, m.reconciliations,
		)
	}
	return m
}

// SetChunks обновляет счётчики хранилища чанков
func (m *Metrics) SetChunks(loaded, pending int) {
	if m == nil {
		return
	}
	m.chunksLoaded.Set(float64(loaded))
	m.chunksPending.Set(float64(pending))
}

// AddEvictions учитывает выгруженные чанки
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.chunkEvictions.Add(float64(n))
}

// ObserveMeshBuild учитывает время построения меша
func (m *Metrics) ObserveMeshBuild(d time.Duration) {
	if m == nil {
		return
	}
	m.meshBuild.Observe(d.Seconds())
}

// MeshResult учитывает исход задачи мешинга
func (m *Metrics) MeshResult(result string) {
	if m == nil {
		return
	}
	m.meshResults.WithLabelValues(result).Inc()
}

// SetMeshInFlight текущее число задач мешинга
func (m *Metrics) SetMeshInFlight(n int) {
	if m == nil {
		return
	}
	m.meshInFlight.Set(float64(n))
}

// SetVisibleChunks размер видимого набора
func (m *Metrics) SetVisibleChunks(n int) {
	if m == nil {
		return
	}
	m.visibleChunks.Set(float64(n))
}

// ObserveTick учитывает длительность тика
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}

// SetConnections число соединений в состоянии state
func (m *Metrics) SetConnections(state string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(state).Set(float64(n))
}

// MessageIn учитывает принятое сообщение
func (m *Metrics) MessageIn(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("in", msgType).Inc()
}

// MessageOut учитывает отправленное сообщение
func (m *Metrics) MessageOut(msgType string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("out", msgType).Inc()
}

// Malformed учитывает отброшенное сообщение
func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Retransmit учитывает повторную отправку
func (m *Metrics) Retransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

// BlockEdit учитывает подтверждённую правку
func (m *Metrics) BlockEdit() {
	if m == nil {
		return
	}
	m.blockEdits.Inc()
}

// Reconciliation учитывает исход сверки предсказания
func (m *Metrics) Reconciliation(result string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(result).Inc()
}
