// Package peer реализует конечный автомат peer соединения консультации.
//
// # Состояния
//
//	Idle → AwaitingPeer → Negotiating → Connected → Ended
//
//   - Announce: сигнальный сокет открыт, Idle → AwaitingPeer
//   - peer-joined без объекта соединения: локальная сторона создает соединение,
//     подключает треки, отправляет предложение и переходит в Negotiating
//   - offer без объекта соединения (из Idle или AwaitingPeer): соединение,
//     удаленное описание, ответ, Negotiating
//   - удаленный трек в Negotiating: переход в Connected
//   - peer-left: AwaitingPeer, удаленный поток сброшен, соединение сохраняется
//   - call-ended или End: соединение закрыто, Ended (терминальное)
//
// Повторное согласование при живом объекте соединения не поддерживается и
// отклоняется. Удаленные ICE кандидаты буферизуются, пока соединение не
// создано и удаленное описание не применено, затем применяются по порядку.
//
// Ошибка обработки одного сообщения логируется и не завершает звонок.
// Соединение, созданное таким сообщением, закрывается.
//
// Machine не потокобезопасен и работает в цикле событий сессии. Колбэки
// Connection возвращаются в цикл через Poster.
package peer
