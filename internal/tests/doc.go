// Package tests 多引擎集成测试。
//
// 测试通过 internal/bootstrap 组装完整的引擎进程, 多个引擎共享同一个 sqlite 内存库,
// 覆盖审批流程、批量订单、多引擎分配以及引擎退出后的接管。
//
// 运行测试:
//
//	go test ./internal/tests/...
package tests
