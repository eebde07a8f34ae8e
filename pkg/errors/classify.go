package errors

// Classifier decides whether a backend error leaves a resource unusable.
// Backend-specific code tables live behind this interface.
type Classifier interface {
	IsFatal(err error) bool
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(err error) bool

// IsFatal implements Classifier
func (f ClassifierFunc) IsFatal(err error) bool { return f(err) }

// Classify tags err exactly once. An error that already carries a type is
// returned unchanged; otherwise the classifier decides between
// ErrorTypeFatalResource and fallback.
func Classify(err error, classifier Classifier, fallback ErrorType) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if As(err, &e) {
		return e
	}
	if classifier != nil && classifier.IsFatal(err) {
		return Wrap(err, ErrorTypeFatalResource, "resource reported a fatal error")
	}
	return Wrap(err, fallback, "resource operation failed")
}

// IsFatal reports whether err was tagged as a fatal resource error
func IsFatal(err error) bool {
	return HasType(err, ErrorTypeFatalResource)
}
