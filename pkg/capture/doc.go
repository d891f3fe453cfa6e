// Package capture управляет локальными камерой и микрофоном консультации.
//
// Guard запрашивает медиа поток у Device, переключает mute отдельных типов
// треков и освобождает устройства ровно один раз на любом пути завершения
// сессии.
//
// # Треки
//
// LocalTrack отдает RTP пакеты через независимых читателей (NewReader), так что
// peer соединение и запись звонка потребляют один и тот же поток параллельно.
// Выключенный трек продолжает выдавать пакеты с пустым содержимым.
//
// # Синтетическое устройство
//
// SyntheticDevice генерирует тишину PCMU (20 мс) и заглушку VP8 (~30 fps)
// без реального оборудования. Используется CLI клиентом и тестами.
//
//	guard := capture.NewGuard(capture.NewSyntheticDevice(capture.DefaultSyntheticConfig()),
//	    capture.DefaultConstraints(), logger)
//	stream, err := guard.Acquire(ctx)
//	if err != nil {
//	    // ErrDeviceUnavailable или ErrPermissionDenied
//	}
//	defer guard.Release()
package capture
