package storage

import logx "warden/pkg/logx"

func testLogger() logx.Logger { return logx.Nop() }
