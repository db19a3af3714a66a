package extractor

// AccountSet 保持首次出现顺序的账户集合
// 一个区块内所有事件提取出的账户汇总到这里，去重后作为快照工作列表
type AccountSet struct {
	order []string
	seen  map[string]struct{}
}

// NewAccountSet 创建空集合
func NewAccountSet() *AccountSet {
	return &AccountSet{seen: make(map[string]struct{})}
}

// Add 依次加入账户，已存在的账户忽略
func (s *AccountSet) Add(accounts ...string) {
	for _, account := range accounts {
		if _, ok := s.seen[account]; ok {
			continue
		}
		s.seen[account] = struct{}{}
		s.order = append(s.order, account)
	}
}

// Contains 判断账户是否已在集合中
func (s *AccountSet) Contains(account string) bool {
	_, ok := s.seen[account]
	return ok
}

// Len 集合大小
func (s *AccountSet) Len() int {
	return len(s.order)
}

// List 按首次出现顺序返回账户
func (s *AccountSet) List() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Dedup 合并多组提取结果
func Dedup(groups ...[]string) []string {
	set := NewAccountSet()
	for _, group := range groups {
		set.Add(group...)
	}
	return set.List()
}
