// Package domain 定义了桌面自动化工作流引擎的核心领域模型。
package domain

import "errors"

// 领域错误定义
// 这些错误用于在应用程序的不同层之间传递业务逻辑相关的错误信息。

var (
	// ========== 录制相关错误 ==========

	// ErrEmptyRecording 表示录制会话结束时没有捕获到任何输入事件
	ErrEmptyRecording = errors.New("empty recording: no input events captured")
	// ErrRecordingInProgress 表示已有录制会话在进行中
	ErrRecordingInProgress = errors.New("recording already in progress")
	// ErrNoRecording 表示当前没有进行中的录制会话
	ErrNoRecording = errors.New("no recording in progress")

	// ========== 定位相关错误 ==========

	// ErrElementNotFound 表示定位器未能在当前屏幕上找到目标元素
	// （包括所有候选的置信度低于阈值的情况）
	ErrElementNotFound = errors.New("element not found")
	// ErrOracleTimeout 表示感知分类器未在限定时延内返回，按未找到处理
	ErrOracleTimeout = errors.New("perception oracle timed out")

	// ========== 回放相关错误 ==========

	// ErrStepTimeout 表示步骤超过了单步超时（覆盖定位、执行与校验）
	ErrStepTimeout = errors.New("step timed out")
	// ErrStepFailed 表示步骤重试耗尽后仍失败
	ErrStepFailed = errors.New("step failed after exhausting retries")
	// ErrRunInProgress 表示同一工作流已有回放在进行中（至多一个并发回放）
	ErrRunInProgress = errors.New("run already in progress for workflow")
	// ErrRunNotFound 表示请求的执行记录不存在
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotResumable 表示该工作流没有可续跑的部分完成记录
	ErrRunNotResumable = errors.New("no partially-completed run to resume")
	// ErrQueueFull 表示回放执行队列已满
	ErrQueueFull = errors.New("execution queue full")

	// ========== 执行上下文相关错误 ==========

	// ErrFocusUnavailable 表示用户正在活跃输入，前台执行上下文不可用
	ErrFocusUnavailable = errors.New("focus unavailable: user input activity detected")
	// ErrAcquireTimeout 表示执行上下文锁等待超时（死锁保护）
	ErrAcquireTimeout = errors.New("execution context acquisition timed out")

	// ========== 工作流相关错误 ==========

	// ErrWorkflowNotFound 表示请求的工作流不存在
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowExists 表示尝试创建的工作流已经存在（名称冲突）
	ErrWorkflowExists = errors.New("workflow already exists")
	// ErrWorkflowLocked 表示该工作流有回放进行中，编辑/删除被拒绝
	ErrWorkflowLocked = errors.New("workflow locked by in-flight run")
	// ErrInvalidWorkflowName 表示工作流名称无效
	ErrInvalidWorkflowName = errors.New("invalid workflow name")
	// ErrInvalidWorkflowDefinition 表示工作流定义无效（无步骤等）
	ErrInvalidWorkflowDefinition = errors.New("invalid workflow definition")
	// ErrInvalidStep 表示步骤定义无效（缺少目标或载荷）
	ErrInvalidStep = errors.New("invalid step definition")
	// ErrTooManyWorkflows 表示工作流数量超出配置上限
	ErrTooManyWorkflows = errors.New("workflow limit reached")

	// ========== 触发器相关错误 ==========

	// ErrTriggerConflict 表示同一工作流已存在活跃触发器
	ErrTriggerConflict = errors.New("active trigger already exists for workflow")
	// ErrTriggerNotFound 表示请求的触发器不存在
	ErrTriggerNotFound = errors.New("trigger not found")
	// ErrInvalidTrigger 表示触发器配置无效
	ErrInvalidTrigger = errors.New("invalid trigger configuration")

	// ========== 存储相关错误 ==========

	// ErrStorageConnection 表示存储连接错误（如数据库连接失败）
	ErrStorageConnection = errors.New("storage connection error")
	// ErrStorageQuery 表示存储查询错误（如 SQL 查询失败）
	ErrStorageQuery = errors.New("storage query error")
)
