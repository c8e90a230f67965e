package infra

import (
	"context"

	"github.com/alitto/pond/v2"
)

// CryptoPool はRSA鍵生成などCPU負荷の高い処理を上限付きの並列度で実行する。
// usecase.CryptoRunner を満たす。
type CryptoPool struct {
	pool pond.Pool
}

// NewCryptoPool は workers 並列のCryptoPoolを生成する。
func NewCryptoPool(workers int) *CryptoPool {
	if workers < 1 {
		workers = 1
	}
	return &CryptoPool{pool: pond.NewPool(workers)}
}

// Run は task をプールで実行し、完了を待つ。
// 待機中に ctx がキャンセルされた場合は ctx.Err() を返すが、投入済みの task は最後まで実行される。
func (p *CryptoPool) Run(ctx context.Context, task func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	submitted := p.pool.SubmitErr(task)
	go func() {
		done <- submitted.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop は投入済みのtaskの完了を待ってプールを停止する。
func (p *CryptoPool) Stop() {
	p.pool.StopAndWait()
}
