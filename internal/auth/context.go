package auth

import "context"

type subjectKey struct{}

// WithSubject 将经过身份验证的调用方存入上下文。
func WithSubject(ctx context.Context, subject *Subject) context.Context {
	if subject == nil {
		return ctx
	}
	subject.normalise()
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext 从上下文中取出调用方，未认证时返回 nil。
func SubjectFromContext(ctx context.Context) *Subject {
	if ctx == nil {
		return nil
	}
	subject, _ := ctx.Value(subjectKey{}).(*Subject)
	return subject
}
