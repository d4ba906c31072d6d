package domain

// FetchStatus — исход одного вызова фетчера.
type FetchStatus string

const (
	// FetchOK — вызов удался, наблюдений может быть ноль.
	FetchOK FetchStatus = "ok"
	// FetchTransient — временный сбой, допускается повтор в рамках тика.
	FetchTransient FetchStatus = "transient"
	// FetchPermanent — постоянный сбой, повтор только на следующем тике.
	FetchPermanent FetchStatus = "permanent"
	// FetchQuotaExhausted — квота источника исчерпана, идём по цепочке фолбэков.
	FetchQuotaExhausted FetchStatus = "quota_exhausted"
	// FetchBlocked — источник активно отказал (captcha/403).
	FetchBlocked FetchStatus = "blocked"
)

// FetchResult несёт таксономию отказов через границу оркестратора.
// Ошибки фетчеров не покидают пайплайн в виде error.
type FetchResult struct {
	Status       FetchStatus
	Observations []Observation
	Cause        error
}

// FetchSuccess строит успешный результат.
func FetchSuccess(obs []Observation) FetchResult {
	return FetchResult{Status: FetchOK, Observations: obs}
}

// FetchFailure строит результат с отказом.
func FetchFailure(status FetchStatus, cause error) FetchResult {
	return FetchResult{Status: status, Cause: cause}
}
