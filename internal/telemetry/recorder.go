package telemetry

/*
Файл recorder.go реализует асинхронную персистентность телеметрии агентов.

Ключевые особенности архитектуры:
- Non-blocking Logging: события из Hot Path роутинга уходят в неблокирующий
  канал. Задержки записи в БД не влияют на доставку кадров наблюдателям.
- Batching & Efficiency: накопление событий в памяти и пакетная запись (Bulk Insert)
  в PostgreSQL по таймеру или при достижении лимита (100 событий).
- Drain Pattern & Graceful Shutdown: при остановке сервиса воркер вычитывает
  буфер до дна и делает Final Flush. Канал событий никогда не закрывается —
  остановка сигналится отдельным done-каналом, поэтому гонка Record/Stop
  не может закончиться паникой на закрытом канале.
- Load Shedding: при переполнении буфера событие дропается с error-логом,
  роутинг при этом продолжает работать.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически сохраняется телеметрия
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Sink interface {
	Record(event Event)
}

type Recorder struct {
	ch     chan Event
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	flushInterval time.Duration

	// Закрытие done «запирает» вход: Record после Stop — тихий дроп
	done     chan struct{}
	stopOnce sync.Once
}

func NewRecorder(repo StorageInterface, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Recorder{
		ch:            make(chan Event, bufferSize),
		repo:          repo,
		logger:        logger.Named("telemetry"),
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

func (rec *Recorder) Start() {
	rec.wg.Add(1)
	go rec.worker()
}

// Stop запирает вход и ждет, пока воркер вычитает буфер и допишет всё. Идемпотентен.
func (rec *Recorder) Stop() {
	rec.stopOnce.Do(func() {
		rec.logger.Info("stopping recorder: flushing buffer...")
		close(rec.done)
		rec.wg.Wait()
		rec.logger.Info("recorder stopped gracefully")
	})
}

func (rec *Recorder) Record(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-rec.done:
		rec.logger.Warn("telemetry event dropped: recorder is stopping",
			zap.String("computer_id", event.ComputerID))
		return
	default:
	}

	// Load Shedding: переполненный буфер не должен тормозить роутинг
	select {
	case rec.ch <- event:
	default:
		rec.logger.Error("telemetry_buffer_overflow",
			zap.String("computer_id", event.ComputerID),
			zap.String("kind", event.Kind),
		)
	}
}

func (rec *Recorder) worker() {
	defer rec.wg.Done()

	batch := make([]Event, 0, 100)
	ticker := time.NewTicker(rec.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст на shutdown уже может быть закрыт
			if err := rec.repo.WriteBatch(context.Background(), batch); err != nil {
				rec.logger.Error("telemetry flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event := <-rec.ch:
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-rec.done:
			// Вычитываем остатки буфера до дна, финальный flush и выходим
			for {
				select {
				case event := <-rec.ch:
					batch = append(batch, event)
					if len(batch) >= 100 {
						flush()
					}
				default:
					flush()
					rec.logger.Info("telemetry worker finished")
					return
				}
			}
		}
	}
}
