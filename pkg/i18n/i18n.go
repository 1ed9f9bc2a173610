package i18n

import "strings"

const (
	English = "en"
	Persian = "fa"
)

var translations = map[string]string{
	"invalid request":                      "درخواست نامعتبر است",
	"invalid conversation key":             "شناسه مکالمه نامعتبر است",
	"not connected":                        "اتصال برقرار نیست، پیام ارسال نشد",
	"send buffer full":                     "صف ارسال پر است، دوباره تلاش کنید",
	"no active conversation":               "هیچ مکالمه ای باز نیست",
	"message is empty":                     "متن پیام خالی است",
	"not logged in":                        "وارد حساب کاربری نشده اید",
	"session expired, please log in again": "نشست منقضی شده است، دوباره وارد شوید",
	"stored token has expired":             "توکن ذخیره شده منقضی شده است",
	"connection lost, reconnecting":        "اتصال قطع شد، در حال اتصال مجدد",
	"connection failed":                    "برقراری اتصال ناموفق بود",
	"connected":                            "متصل شد",
	"failed to load history":               "خطا در دریافت تاریخچه پیام ها",
	"failed to load contacts":              "خطا در دریافت مخاطبین",
	"failed to load profile":               "خطا در دریافت پروفایل",
	"failed to load groups":                "خطا در دریافت گروه ها",
	"failed to add contact":                "خطا در افزودن مخاطب",
	"failed to create group":               "خطا در ایجاد گروه",
	"failed to upload file":                "خطا در بارگذاری فایل",
	"failed to update profile":             "خطا در به روزرسانی پروفایل",
	"failed to upload photo":               "خطا در بارگذاری تصویر پروفایل",
	"failed to delete photo":               "خطا در حذف تصویر پروفایل",
	"file is required":                     "فایل الزامی است",
	"file too large":                       "حجم فایل بیش از حد مجاز است",
	"file must be an image":                "فایل باید تصویر باشد",
	"a valid email is required":            "ایمیل معتبر الزامی است",
	"password is required":                 "رمز عبور الزامی است",
	"rate limiter error":                   "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                  "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                "خطای داخلی سرور",
	"not found":                            "یافت نشد",
	"Incorrect email or password":          "ایمیل یا رمز عبور اشتباه است",
	"Email already registered":             "این ایمیل قبلا ثبت شده است",
	"User not found or invalid":            "کاربر یافت نشد یا نامعتبر است",
}

var prefixTranslations = map[string]string{
	"login:":                      "ورود ناموفق بود",
	"signup:":                     "ثبت نام ناموفق بود",
	"failed to save credential:":  "خطا در ذخیره اطلاعات ورود",
	"failed to clear credential:": "خطا در حذف اطلاعات ورود",
	"invalid token:":              "توکن نامعتبر است",
}

// Translator renders user-facing notifications in one language. English
// messages pass through unchanged.
type Translator struct {
	lang string
}

func New(lang string) Translator {
	if lang != Persian {
		lang = English
	}
	return Translator{lang: lang}
}

func (t Translator) Translate(message string) string {
	if t.lang != Persian {
		return message
	}
	return Translate(message)
}

// Translate returns the Persian form of message, or message itself when no
// translation is known.
func Translate(message string) string {
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
