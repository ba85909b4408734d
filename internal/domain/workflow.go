// Package domain 定义了桌面自动化工作流引擎的核心领域模型。
package domain

import (
	"time"
)

// ==================== 步骤类型 ====================

// StepKind 表示工作流步骤的类型
type StepKind string

const (
	// StepKindClick 点击步骤，在定位到的元素上执行鼠标点击
	StepKindClick StepKind = "click"
	// StepKindTypeText 文本输入步骤，输入一段文本
	StepKindTypeText StepKind = "type-text"
	// StepKindKeyCombo 组合键步骤，按下按键及修饰键
	StepKindKeyCombo StepKind = "key-combo"
	// StepKindWait 等待步骤，暂停指定时长
	StepKindWait StepKind = "wait"
	// StepKindVerify 校验步骤，确认目标元素出现在屏幕上
	StepKindVerify StepKind = "verify"
	// StepKindBranch 条件分支步骤，根据条件元素是否可定位决定是否跳过后续步骤
	StepKindBranch StepKind = "branch-on-condition"
	// StepKindLaunchApp 启动应用步骤，按名称打开一个应用程序
	StepKindLaunchApp StepKind = "launch-app"
)

// ==================== 元素描述符 ====================

// ElementDescriptor 是录制时刻 UI 目标的感知指纹。
// 它不依赖绝对像素坐标（布局会漂移），而是携带重定位所需的多层线索：
// 感知哈希、归一化位置和可选的无障碍树标识，回放时由定位器按优先级使用。
type ElementDescriptor struct {
	// Fingerprint 元素裁剪区域的 64 位差分感知哈希
	Fingerprint uint64 `json:"fingerprint"`
	// CropW 录制时裁剪区域的宽度（像素）
	CropW int `json:"crop_w"`
	// CropH 录制时裁剪区域的高度（像素）
	CropH int `json:"crop_h"`
	// NormX 元素中心的归一化横坐标，取值 [0,1]
	NormX float64 `json:"norm_x"`
	// NormY 元素中心的归一化纵坐标，取值 [0,1]
	NormY float64 `json:"norm_y"`
	// AccessibilityID 无障碍树中的稳定标识（可选，存在时定位置信度最高）
	AccessibilityID string `json:"accessibility_id,omitempty"`
	// Role 元素在无障碍树中的角色（button、textfield 等，可选）
	Role string `json:"role,omitempty"`
	// Title 元素的可见标题或标签（可选，仅用于展示和诊断）
	Title string `json:"title,omitempty"`
	// PositionOnly 为 true 表示录制时未能提取元素指纹（如点击空白桌面），
	// 描述符仅携带位置信息，匹配置信度相应降低
	PositionOnly bool `json:"position_only,omitempty"`
	// BaseConfidence 描述符的基础置信度，定位得分会乘以该系数
	BaseConfidence float64 `json:"base_confidence"`
}

// ==================== 步骤定义 ====================

// Step 工作流中的单个步骤。
// 步骤顺序在录制时固定，回放严格按录制顺序执行。
// 不变式：每个步骤的 Target 可独立解析，不依赖其它步骤的定位结果。
type Step struct {
	// ID 步骤唯一标识符
	ID string `json:"id"`
	// Kind 步骤类型
	Kind StepKind `json:"kind"`

	// Target 动作目标的元素描述符（click、verify、branch 步骤必需）
	Target *ElementDescriptor `json:"target,omitempty"`

	// ===== 动作载荷 =====
	// Text 要输入的文本（type-text 步骤）
	Text string `json:"text,omitempty"`
	// Key 主按键（key-combo 步骤）
	Key string `json:"key,omitempty"`
	// Modifiers 修饰键列表，如 ctrl、shift、alt、command（key-combo 步骤）
	Modifiers []string `json:"modifiers,omitempty"`
	// Button 鼠标按钮，默认 left（click 步骤）
	Button string `json:"button,omitempty"`
	// WaitMs 等待时长（毫秒，wait 步骤）
	WaitMs int `json:"wait_ms,omitempty"`
	// App 要启动的应用名称（launch-app 步骤）
	App string `json:"app,omitempty"`

	// ===== 分支字段 =====
	// SkipCount 条件不满足时向前跳过的步骤数（branch-on-condition 步骤）。
	// 只允许向前跳转，保持录制顺序不变式
	SkipCount int `json:"skip_count,omitempty"`

	// ===== 执行策略 =====
	// Optional 为 true 时该步骤失败不中止工作流，结果记为 skipped
	Optional bool `json:"optional,omitempty"`
	// PostCondition 执行后的预期后置条件（可选的二级描述符），用于校验动作是否生效
	PostCondition *ElementDescriptor `json:"post_condition,omitempty"`
	// TimeoutMs 单步超时（毫秒，覆盖 Resolving+Executing+Verifying），0 表示使用默认值
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// NeedsTarget 返回该步骤类型在执行前是否需要定位目标元素。
func (s *Step) NeedsTarget() bool {
	switch s.Kind {
	case StepKindClick, StepKindVerify, StepKindBranch:
		return true
	}
	return false
}

// Validate 校验步骤定义的完整性。
func (s *Step) Validate() error {
	switch s.Kind {
	case StepKindClick, StepKindVerify, StepKindBranch:
		if s.Target == nil {
			return ErrInvalidStep
		}
	case StepKindTypeText:
		if s.Text == "" {
			return ErrInvalidStep
		}
	case StepKindKeyCombo:
		if s.Key == "" {
			return ErrInvalidStep
		}
	case StepKindWait:
		if s.WaitMs <= 0 {
			return ErrInvalidStep
		}
	case StepKindLaunchApp:
		if s.App == "" {
			return ErrInvalidStep
		}
	default:
		return ErrInvalidStep
	}
	if s.Kind == StepKindBranch && s.SkipCount < 0 {
		return ErrInvalidStep
	}
	return nil
}

// ==================== 工作流定义 ====================

// Workflow 工作流定义：一次演示录制产生的持久化步骤序列。
// 不变式：步骤顺序在录制时固定，是回放的唯一执行顺序。
type Workflow struct {
	// ID 工作流唯一标识符
	ID string `json:"id"`
	// Name 工作流名称（唯一）
	Name string `json:"name"`
	// Description 工作流描述
	Description string `json:"description,omitempty"`
	// Version 版本号，每次编辑定义时递增；回放读取时固定在某个版本
	Version int `json:"version"`
	// Steps 有序步骤序列
	Steps []Step `json:"steps"`
	// Trigger 触发器配置（可为空；每个工作流至多一个活跃触发器）
	Trigger *Trigger `json:"trigger,omitempty"`
	// CreatedAt 创建时间
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt 更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 返回工作流的深拷贝。
// 回放开始时执行器读取一份冻结副本，并发编辑不影响进行中的回放。
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Steps = make([]Step, len(w.Steps))
	copy(cp.Steps, w.Steps)
	for i := range cp.Steps {
		if t := cp.Steps[i].Target; t != nil {
			tc := *t
			cp.Steps[i].Target = &tc
		}
		if pc := cp.Steps[i].PostCondition; pc != nil {
			pcc := *pc
			cp.Steps[i].PostCondition = &pcc
		}
	}
	if w.Trigger != nil {
		tc := *w.Trigger
		cp.Trigger = &tc
	}
	return &cp
}

// Validate 校验工作流定义。
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return ErrInvalidWorkflowName
	}
	if len(w.Steps) == 0 {
		return ErrInvalidWorkflowDefinition
	}
	for i := range w.Steps {
		if err := w.Steps[i].Validate(); err != nil {
			return err
		}
		// 分支只允许向前跳转到序列内或序列末尾
		if w.Steps[i].Kind == StepKindBranch && i+1+w.Steps[i].SkipCount > len(w.Steps) {
			return ErrInvalidStep
		}
	}
	return nil
}

// ==================== 请求/响应结构体 ====================

// CreateWorkflowRequest 创建工作流请求
type CreateWorkflowRequest struct {
	// Name 工作流名称
	Name string `json:"name"`
	// Description 工作流描述
	Description string `json:"description,omitempty"`
	// Steps 有序步骤序列
	Steps []Step `json:"steps"`
}

// Validate 验证创建工作流请求并填充步骤默认值。
func (r *CreateWorkflowRequest) Validate() error {
	if r.Name == "" {
		return ErrInvalidWorkflowName
	}
	if len(r.Steps) == 0 {
		return ErrInvalidWorkflowDefinition
	}
	for i := range r.Steps {
		if r.Steps[i].Button == "" && r.Steps[i].Kind == StepKindClick {
			r.Steps[i].Button = "left"
		}
		if err := r.Steps[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateWorkflowRequest 更新工作流请求。
// 回放进行中该工作流被锁定，更新请求返回 ErrWorkflowLocked。
type UpdateWorkflowRequest struct {
	// Description 工作流描述
	Description *string `json:"description,omitempty"`
	// Steps 新的步骤序列（整体替换；版本号递增）
	Steps *[]Step `json:"steps,omitempty"`
}

// StartRunRequest 启动回放请求
type StartRunRequest struct {
	// Mode 执行模式：foreground 或 background，默认 background
	Mode string `json:"mode,omitempty"`
	// Resume 为 true 时从最近一次 partially-completed 回放的断点继续
	Resume bool `json:"resume,omitempty"`
}

// WorkflowListResponse 工作流列表响应
type WorkflowListResponse struct {
	Workflows []*Workflow `json:"workflows"`
	Total     int         `json:"total"`
	Offset    int         `json:"offset"`
	Limit     int         `json:"limit"`
}
